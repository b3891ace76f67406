package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/internal/httpclient"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/rules"
	"github.com/teranos/vigil/server"
	"github.com/teranos/vigil/sym"
	"github.com/teranos/vigil/watch"
)

// cronResync is how often schedule rules are re-read so edits take effect.
const cronResync = time.Minute

// pruneInterval is how often finished jobs past queue.retention_days are removed.
const pruneInterval = time.Hour

// DaemonCmd runs the whole pipeline in the foreground.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: sym.Pulse + " Run the rule engine, admission loop and workers",
	Long: sym.Pulse + ` Run vigil in the foreground.

The daemon:
- watches capture directories and evaluates rules when a file settles
- fires schedule rules from their cron expressions
- re-checks deferred jobs every admission.interval_seconds and promotes the
  ones whose quiet period, active hours and guardrails have cleared
- executes admitted jobs in-process (workers.count > 0, local transport)
- serves the guardrail check and executor reports on server.addr
- reloads guardrail thresholds when the config file changes

Runs until interrupted (Ctrl+C), then stops each part in reverse order.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	log := logger.AddComponent(st.log, "daemon")

	if path := am.ActiveConfigFile(); path != "" {
		cw, err := am.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		} else {
			cw.OnReload(func(cfg *am.Config) error {
				st.holder.Set(guardrail.FromConfig(cfg.Guardrails))
				logger.GateWarnw(log, "Guardrail thresholds reloaded",
					"cpu_threshold_pct", cfg.Guardrails.CPUThresholdPct,
					"gpu_threshold_pct", cfg.Guardrails.GPUThresholdPct,
					"min_disk_gb", cfg.Guardrails.MinDiskGB,
					"min_memory_gb", cfg.Guardrails.MinMemoryGB)
				return nil
			})
			cw.Start()
			defer cw.Stop()
		}
	}

	var pool *async.WorkerPool
	if st.cfg.Workers.Count > 0 && st.local != nil {
		registry := async.NewHandlerRegistry()
		rules.RegisterExecutors(registry, st.actions, rules.WithWebhookClient(httpclient.New(httpclient.Options{
			Timeout:      time.Duration(st.cfg.Workers.WebhookTimeoutSeconds) * time.Second,
			AllowPrivate: st.cfg.Workers.WebhookAllowPrivate,
		})))
		pool = async.NewWorkerPool(st.queue, registry, st.checker, async.WorkerPoolConfigFrom(st.cfg), st.local.Wake(), st.log)
		pool.Start(ctx)
	}

	st.scheduler.Start(ctx)

	cron := rules.NewCronTrigger(st.rules, st.engine, st.loc, st.log)
	cron.Start(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resyncCron(ctx, cron, log)
	}()
	if days := st.cfg.Queue.RetentionDays; days > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneJobs(ctx, st.queue.Store(), time.Duration(days)*24*time.Hour, log)
		}()
	}

	var watcher *watch.Watcher
	if len(st.cfg.Watch.Dirs) > 0 {
		watcher, err = watch.New(watch.OptionsFrom(st.cfg.Watch), func(ctx context.Context, ev watch.Event) {
			if _, err := st.engine.EvaluateEvent(ctx, ev.EventType, ev.Data()); err != nil {
				log.Errorw("Rule evaluation failed", logger.FieldPath, ev.Path, logger.FieldError, err)
			}
		}, st.log)
		if err != nil {
			stop()
			wg.Wait()
			return errors.Wrap(err, "failed to start file watcher")
		}
		watcher.Start(ctx)
	}

	serveErr := make(chan error, 1)
	if st.cfg.Server.Addr != "" {
		srv := server.New(server.Deps{
			Queue:    st.queue,
			Admitter: st.scheduler,
			Guard:    st.checker,
			Engine:   st.engine,
			Rules:    st.rules,
			Audit:    st.audit,
		}, st.log)
		go func() { serveErr <- srv.Serve(ctx, st.cfg.Server.Addr) }()
	}

	logger.PulseOpenInfow(log, "vigil daemon started",
		"workers", st.cfg.Workers.Count,
		"transport", st.cfg.Queue.Transport,
		"watch_dirs", st.cfg.Watch.Dirs,
		"addr", st.cfg.Server.Addr)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		stop()
	}

	logger.PulseCloseInfow(log, "Shutting down")
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Debugw("File watcher stop", logger.FieldError, err)
		}
	}
	cron.Stop()
	wg.Wait()
	st.scheduler.Stop()
	if pool != nil {
		pool.Stop()
	}
	if st.cfg.Server.Addr != "" && runErr == nil {
		runErr = <-serveErr
	}
	return runErr
}

func resyncCron(ctx context.Context, cron *rules.CronTrigger, log *zap.SugaredLogger) {
	ticker := time.NewTicker(cronResync)
	defer ticker.Stop()
	for {
		if err := cron.Sync(ctx); err != nil && ctx.Err() == nil {
			log.Warnw("Failed to sync schedule rules", logger.FieldError, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneJobs(ctx context.Context, store *async.Store, retention time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := store.CleanupOldJobs(ctx, retention, time.Now().UTC())
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warnw("Failed to prune finished jobs", logger.FieldError, err)
		case n > 0:
			log.Infow("Pruned finished jobs", logger.FieldCount, n, "retention", retention)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
