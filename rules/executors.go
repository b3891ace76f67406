package rules

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/internal/httpclient"
	"github.com/teranos/vigil/pulse/async"
)

// Default ffmpeg invocations. {input} and {output} are substituted per argument
// after splitting, so paths with spaces survive.
var defaultMediaCommands = map[string]string{
	ActionRemux:     "ffmpeg -nostdin -y -i {input} -c copy {output}",
	ActionProxy:     "ffmpeg -nostdin -y -i {input} -vf scale=-2:540 -c:v libx264 -preset veryfast -crf 28 -c:a aac {output}",
	ActionThumbnail: "ffmpeg -nostdin -y -ss 5 -i {input} -frames:v 1 {output}",
}

// commandWaitDelay bounds how long a killed command's pipes are drained.
const commandWaitDelay = 2 * time.Second

// ExecutorOption configures RegisterExecutors.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	webhooks *httpclient.Client
}

// WithWebhookClient sets the client webhook jobs send through.
func WithWebhookClient(c *httpclient.Client) ExecutorOption {
	return func(o *executorOptions) { o.webhooks = c }
}

// RegisterExecutors installs in-process executors for every built-in
// action that can run locally: file actions, the command-backed media
// and exec actions, and webhooks. Enqueued custom job types are left to
// external executors.
func RegisterExecutors(registry *async.HandlerRegistry, actions *ActionRegistry, opts ...ExecutorOption) {
	o := executorOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.webhooks == nil {
		o.webhooks = httpclient.New(httpclient.Options{})
	}

	for _, t := range actions.Types() {
		h, _ := actions.Get(t)
		switch a := h.(type) {
		case FileAction:
			registry.Register(&fileExecutor{action: a})
		case mediaAction, execAction:
			registry.Register(&CommandExecutor{jobType: t, defaultCommand: defaultMediaCommands[t]})
		case webhookAction:
			registry.Register(&WebhookExecutor{client: o.webhooks})
		}
	}
}

type fileExecutor struct {
	action FileAction
}

func (e *fileExecutor) Name() string { return e.action.Type() }

func (e *fileExecutor) Execute(ctx context.Context, job *async.Job) (map[string]interface{}, error) {
	path := job.FilePath()
	if path == "" {
		return nil, errors.NewInvalidRequestError("job %s has no path", job.ID)
	}
	out, err := e.action.Apply(ctx, path, job.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": out}, nil
}

// CommandExecutor runs an external command for media and exec jobs. The
// process is killed when the job's context is canceled and any partial
// output is removed.
type CommandExecutor struct {
	jobType        string
	defaultCommand string
}

// Name returns the job type served.
func (e *CommandExecutor) Name() string { return e.jobType }

// Execute runs payload.command (or the default for the job type).
func (e *CommandExecutor) Execute(ctx context.Context, job *async.Job) (map[string]interface{}, error) {
	input := job.FilePath()
	command := stringParam(job.Payload, "command")
	if command == "" {
		command = e.defaultCommand
	}
	if command == "" {
		return nil, errors.NewInvalidRequestError("job %s has no command", job.ID)
	}
	output := stringParam(job.Payload, "output")
	if output == "" && input != "" {
		output = DefaultOutputPath(e.jobType, input)
	}

	args, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse command")
	}
	if len(args) == 0 {
		return nil, errors.NewInvalidRequestError("job %s has an empty command", job.ID)
	}
	repl := strings.NewReplacer("{input}", input, "{output}", output)
	for i := range args {
		args[i] = repl.Replace(args[i])
	}

	async.ReportProgress(ctx, 0)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = commandWaitDelay
	runErr := cmd.Run()

	if ctx.Err() != nil {
		if output != "" && output != input {
			os.Remove(output)
		}
		return nil, context.Cause(ctx)
	}
	if runErr != nil {
		err := errors.Wrapf(runErr, "%s failed", filepath.Base(args[0]))
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = errors.WithDetail(err, lastLine(msg))
		}
		return nil, err
	}

	result := map[string]interface{}{"command": args[0]}
	if output != "" {
		result["output"] = output
	}
	return result, nil
}

// DefaultOutputPath names the sibling file a media job writes.
func DefaultOutputPath(jobType, input string) string {
	ext := filepath.Ext(input)
	stem := strings.TrimSuffix(input, ext)
	switch jobType {
	case ActionRemux:
		if strings.EqualFold(ext, ".mp4") {
			return stem + ".remux.mp4"
		}
		return stem + ".mp4"
	case ActionProxy:
		return stem + "_proxy.mp4"
	case ActionThumbnail:
		return stem + ".jpg"
	default:
		return ""
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
