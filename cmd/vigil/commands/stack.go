package commands

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/capture"
	"github.com/teranos/vigil/db"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/admission"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/probe"
	"github.com/teranos/vigil/rules"
)

// stack is every long-lived collaborator, wired from one config. The daemon
// runs all of it; one-shot commands use the parts they need.
type stack struct {
	cfg *am.Config
	log *zap.SugaredLogger
	db  *sql.DB
	loc *time.Location

	capture   probe.CaptureState
	snapshots *probe.Cached
	holder    *guardrail.Holder
	checker   *guardrail.Checker

	local     *async.LocalPublisher
	redis     *redis.Client
	queue     *async.Queue
	gates     *admission.Gates
	scheduler *admission.Scheduler

	actions *rules.ActionRegistry
	rules   *rules.Store
	audit   *rules.AuditStore
	engine  *rules.Engine
}

// loadConfig honours --config before the merged search path.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return am.LoadFromFile(path)
	}
	return am.Load()
}

func openStack(cmd *cobra.Command) (*stack, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	log := logger.Logger

	loc, err := admission.LoadLocation(cfg.Admission.Timezone)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(cfg.Database.Path, log)
	if err != nil {
		return nil, errors.WithHintf(err, "check database.path (%s)", cfg.Database.Path)
	}
	s := &stack{cfg: cfg, log: log, db: database, loc: loc}

	s.capture, err = capture.New(cfg.Capture, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	host := probe.NewHost(time.Duration(cfg.Probe.CPUSampleMS)*time.Millisecond, cfg.Probe.GPUCommand)
	prober := probe.New(probe.Options{
		DiskPath: cfg.Probe.DiskPath,
		Timeout:  time.Duration(cfg.Probe.TimeoutMS) * time.Millisecond,
	}, host, s.capture, log)
	s.snapshots, s.holder, s.checker = wireGuardrails(cfg, prober)

	var publisher async.Publisher
	switch cfg.Queue.Transport {
	case am.TransportRedis:
		publisher, s.redis = async.NewRedisPublisherFromConfig(cfg.Queue)
	default:
		s.local = async.NewLocalPublisher()
		publisher = s.local
	}
	s.queue = async.NewQueue(async.NewStore(database), publisher, async.BackoffFromConfig(cfg.Admission), log)
	s.gates = admission.NewGates(s.checker, cfg.Admission.ResourceSensitive, loc)
	s.scheduler = admission.New(s.queue, s.gates, admission.ConfigFrom(cfg.Admission), log)

	s.actions = rules.NewActionRegistry()
	s.rules = rules.NewStore(database, s.actions)
	s.audit = rules.NewAuditStore(database)
	s.engine = rules.NewEngine(s.rules, s.audit, s.queue, s.snapshots, s.holder, s.actions, log,
		rules.WithLocation(loc))
	return s, nil
}

// wireGuardrails builds the rule engine's cached snapshots and the Checker.
// The Checker samples through prober on every call: admission re-checks,
// mid-run monitoring and the guardrail endpoint all need current readings.
func wireGuardrails(cfg *am.Config, prober probe.Sampler) (*probe.Cached, *guardrail.Holder, *guardrail.Checker) {
	snapshots := probe.NewCached(prober, time.Duration(cfg.Probe.CacheTTLSeconds)*time.Second)
	holder := guardrail.NewHolder(guardrail.FromConfig(cfg.Guardrails))
	checker := guardrail.NewChecker(prober, holder, time.Duration(cfg.Admission.BaseDelaySeconds)*time.Second)
	return snapshots, holder, checker
}

// Close releases the database, redis client and capture connection.
func (s *stack) Close() {
	if closer, ok := s.capture.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.log.Debugw("Failed to close capture connection", logger.FieldError, err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Debugw("Failed to close redis client", logger.FieldError, err)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}
