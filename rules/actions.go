package rules

import (
	"bufio"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/errors"
)

// Action types
const (
	ActionMove      = "move"
	ActionCopy      = "copy"
	ActionRename    = "rename"
	ActionTag       = "tag"
	ActionRemux     = "remux"
	ActionProxy     = "proxy"
	ActionThumbnail = "thumbnail"
	ActionExec      = "exec"
	ActionEnqueue   = "enqueue"
	ActionWebhook   = "webhook"
)

// ActionHandler is a built-in action type.
type ActionHandler interface {
	Type() string
	Validate(params map[string]interface{}) error
	// Plan returns the working path after the action has run on path. It
	// touches nothing, so deferred jobs can be planned before any runs.
	Plan(path string, params map[string]interface{}) string
}

// FileAction runs synchronously against the working file.
type FileAction interface {
	ActionHandler
	Apply(ctx context.Context, path string, params map[string]interface{}) (string, error)
}

// JobAction is carried out by an executor as a job of JobType.
type JobAction interface {
	ActionHandler
	JobType(params map[string]interface{}) string
}

// ActionRegistry is the closed set of action types, fixed at construction.
type ActionRegistry struct {
	handlers map[string]ActionHandler
}

// NewActionRegistry returns the built-in actions.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{handlers: map[string]ActionHandler{}}
	for _, h := range []ActionHandler{
		moveAction{},
		copyAction{},
		renameAction{},
		tagAction{},
		mediaAction{kind: ActionRemux},
		mediaAction{kind: ActionProxy},
		mediaAction{kind: ActionThumbnail},
		execAction{},
		enqueueAction{},
		webhookAction{},
	} {
		r.handlers[h.Type()] = h
	}
	return r
}

// Get returns the handler for an action type.
func (r *ActionRegistry) Get(actionType string) (ActionHandler, error) {
	h, ok := r.handlers[actionType]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownAction, "%q", actionType)
	}
	return h, nil
}

// Validate checks an action's type and params.
func (r *ActionRegistry) Validate(a Action) error {
	h, err := r.Get(a.Type)
	if err != nil {
		return err
	}
	return h.Validate(a.Params)
}

// Types lists the registered action types, sorted.
func (r *ActionRegistry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func requireParam(params map[string]interface{}, key string) error {
	if stringParam(params, key) == "" {
		return errors.NewInvalidRequestError("missing %q param", key)
	}
	return nil
}

// move: params.dest (directory), params.overwrite (bool)
type moveAction struct{}

func (moveAction) Type() string { return ActionMove }

func (moveAction) Validate(p map[string]interface{}) error { return requireParam(p, "dest") }

func (moveAction) Plan(path string, p map[string]interface{}) string {
	return filepath.Join(stringParam(p, "dest"), filepath.Base(path))
}

func (a moveAction) Apply(_ context.Context, path string, p map[string]interface{}) (string, error) {
	target := a.Plan(path, p)
	if err := os.MkdirAll(filepath.Dir(target), am.DefaultDirPermissions); err != nil {
		return path, errors.Wrap(err, "failed to create destination")
	}
	if err := checkTarget(target, p); err != nil {
		return path, err
	}
	if err := os.Rename(path, target); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return path, errors.Wrapf(err, "failed to move %s", path)
		}
		if err := copyFile(path, target); err != nil {
			return path, err
		}
		if err := os.Remove(path); err != nil {
			return target, errors.Wrapf(err, "copied but failed to remove %s", path)
		}
	}
	return target, nil
}

// copy: params.dest (directory). The working path stays on the original.
type copyAction struct{}

func (copyAction) Type() string { return ActionCopy }

func (copyAction) Validate(p map[string]interface{}) error { return requireParam(p, "dest") }

func (copyAction) Plan(path string, _ map[string]interface{}) string { return path }

func (copyAction) Apply(_ context.Context, path string, p map[string]interface{}) (string, error) {
	target := filepath.Join(stringParam(p, "dest"), filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(target), am.DefaultDirPermissions); err != nil {
		return path, errors.Wrap(err, "failed to create destination")
	}
	if err := checkTarget(target, p); err != nil {
		return path, err
	}
	return path, copyFile(path, target)
}

// rename: params.pattern with {stem}, {ext} and {name} placeholders.
type renameAction struct{}

func (renameAction) Type() string { return ActionRename }

func (renameAction) Validate(p map[string]interface{}) error {
	if err := requireParam(p, "pattern"); err != nil {
		return err
	}
	if strings.ContainsRune(stringParam(p, "pattern"), os.PathSeparator) {
		return errors.NewInvalidRequestError("rename pattern must not contain a path separator")
	}
	return nil
}

func (renameAction) Plan(path string, p map[string]interface{}) string {
	return filepath.Join(filepath.Dir(path), expandName(stringParam(p, "pattern"), path))
}

func (a renameAction) Apply(_ context.Context, path string, p map[string]interface{}) (string, error) {
	target := a.Plan(path, p)
	if target == path {
		return path, nil
	}
	if err := checkTarget(target, p); err != nil {
		return path, err
	}
	if err := os.Rename(path, target); err != nil {
		return path, errors.Wrapf(err, "failed to rename %s", path)
	}
	return target, nil
}

func expandName(pattern, path string) string {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	return strings.NewReplacer(
		"{name}", name,
		"{stem}", strings.TrimSuffix(name, ext),
		"{ext}", ext,
	).Replace(pattern)
}

// tag: params.tags (list) or params.tag. Tags live in a "<file>.tags"
// sidecar, one per line, and surface as the "tags" field of later events.
type tagAction struct{}

func (tagAction) Type() string { return ActionTag }

func (tagAction) Validate(p map[string]interface{}) error {
	if len(tagsParam(p)) == 0 {
		return errors.NewInvalidRequestError("tag action needs \"tag\" or \"tags\"")
	}
	return nil
}

func (tagAction) Plan(path string, _ map[string]interface{}) string { return path }

func (tagAction) Apply(_ context.Context, path string, p map[string]interface{}) (string, error) {
	existing, err := ReadTags(path)
	if err != nil {
		return path, err
	}
	seen := map[string]bool{}
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range tagsParam(p) {
		if !seen[t] {
			existing = append(existing, t)
			seen[t] = true
		}
	}
	data := strings.Join(existing, "\n") + "\n"
	if err := os.WriteFile(TagsPath(path), []byte(data), am.DefaultFilePermissions); err != nil {
		return path, errors.Wrap(err, "failed to write tags")
	}
	return path, nil
}

func tagsParam(p map[string]interface{}) []string {
	var out []string
	if t := stringParam(p, "tag"); t != "" {
		out = append(out, t)
	}
	for _, v := range toSlice(p["tags"]) {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// TagsPath is the sidecar file holding path's tags.
func TagsPath(path string) string { return path + ".tags" }

// ReadTags returns the tags recorded for path; none when there is no sidecar.
func ReadTags(path string) ([]string, error) {
	f, err := os.Open(TagsPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tags")
	}
	defer f.Close()

	var tags []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" {
			tags = append(tags, t)
		}
	}
	return tags, sc.Err()
}

// remux, proxy, thumbnail: media jobs. params.command overrides the
// default ffmpeg invocation, params.output the output path.
type mediaAction struct {
	kind string
}

func (a mediaAction) Type() string { return a.kind }

func (mediaAction) Validate(p map[string]interface{}) error {
	if cmd := stringParam(p, "command"); cmd != "" {
		if _, err := shellquote.Split(cmd); err != nil {
			return errors.NewInvalidRequestError("command: %v", err)
		}
	}
	return nil
}

func (mediaAction) Plan(path string, _ map[string]interface{}) string { return path }

func (a mediaAction) JobType(map[string]interface{}) string { return a.kind }

// exec: runs params.command as a job.
type execAction struct{}

func (execAction) Type() string { return ActionExec }

func (execAction) Validate(p map[string]interface{}) error {
	if err := requireParam(p, "command"); err != nil {
		return err
	}
	args, err := shellquote.Split(stringParam(p, "command"))
	if err != nil {
		return errors.NewInvalidRequestError("command: %v", err)
	}
	if len(args) == 0 {
		return errors.NewInvalidRequestError("command is empty")
	}
	return nil
}

func (execAction) Plan(path string, _ map[string]interface{}) string { return path }

func (execAction) JobType(map[string]interface{}) string { return ActionExec }

// enqueue: a job of params.job_type for an external executor.
type enqueueAction struct{}

func (enqueueAction) Type() string { return ActionEnqueue }

func (enqueueAction) Validate(p map[string]interface{}) error { return requireParam(p, "job_type") }

func (enqueueAction) Plan(path string, _ map[string]interface{}) string { return path }

func (enqueueAction) JobType(p map[string]interface{}) string { return stringParam(p, "job_type") }

// webhook: posts the job's asset to params.url as a job, so delivery
// retries and guardrails apply like any other work.
type webhookAction struct{}

func (webhookAction) Type() string { return ActionWebhook }

func (webhookAction) Validate(p map[string]interface{}) error {
	if err := requireParam(p, "url"); err != nil {
		return err
	}
	u, err := url.Parse(stringParam(p, "url"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.NewInvalidRequestError("url must be an absolute http(s) URL")
	}
	return nil
}

func (webhookAction) Plan(path string, _ map[string]interface{}) string { return path }

func (webhookAction) JobType(map[string]interface{}) string { return ActionWebhook }

func checkTarget(target string, p map[string]interface{}) error {
	if overwrite, _ := p["overwrite"].(bool); overwrite {
		return nil
	}
	if _, err := os.Stat(target); err == nil {
		return errors.Wrapf(errors.ErrConflict, "%s already exists", target)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, am.DefaultFilePermissions)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.Wrapf(err, "failed to copy to %s", dst)
	}
	return out.Close()
}
