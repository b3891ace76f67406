package admission

import (
	"context"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/probe"
	"github.com/teranos/vigil/pulse/window"
)

// ErrSourceMissing is the failure recorded on a job whose file vanished
// while it waited out a quiet period.
const ErrSourceMissing = "source file missing"

// Guard samples system state and evaluates guardrails. *guardrail.Checker
// satisfies it; a failed or slow sample must come back clear.
type Guard interface {
	Violations(ctx context.Context, o *guardrail.Override) ([]guardrail.Violation, probe.Snapshot)
}

// Verdict is the outcome of re-deriving a job's blocking condition.
type Verdict struct {
	Blocked bool
	Reason  string
	// Wait is the known time until a quiet period ends.
	Wait time.Duration
	// Fail is set when the job can never be admitted.
	Fail string
	// Err is a collaborator error that forced a fail-safe "still blocked".
	Err error
}

// Gates re-derives the three admission gates for a job, in order: quiet
// period (from the file's current mtime), active hours, then guardrails for
// resource-sensitive job types. The first gate that blocks wins.
type Gates struct {
	guard     Guard
	sensitive []string
	loc       *time.Location
	stat      func(string) (fs.FileInfo, error)
}

// NewGates creates the gate evaluator. loc is the active-hours clock; nil means local time.
func NewGates(guard Guard, resourceSensitive []string, loc *time.Location) *Gates {
	if loc == nil {
		loc = time.Local
	}
	return &Gates{
		guard:     guard,
		sensitive: resourceSensitive,
		loc:       loc,
		stat:      os.Stat,
	}
}

// ResourceSensitive reports whether jobType is re-checked against guardrails.
func (g *Gates) ResourceSensitive(jobType string) bool {
	return slices.Contains(g.sensitive, jobType)
}

// Check evaluates job's gates at now.
func (g *Gates) Check(ctx context.Context, job *async.Job, now time.Time) Verdict {
	gate := job.Gate
	if gate == nil {
		gate = &async.Gate{}
	}

	if gate.QuietPeriodSec > 0 {
		if path := job.FilePath(); path != "" {
			info, err := g.stat(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				return Verdict{Blocked: true, Fail: ErrSourceMissing}
			case err != nil:
				reason := job.BlockedReason
				if reason == "" {
					reason = window.QuietPeriodReason(time.Duration(gate.QuietPeriodSec) * time.Second)
				}
				return Verdict{Blocked: true, Reason: reason, Err: errors.Wrapf(err, "stat %s", path)}
			}
			if rem := window.QuietRemaining(info.ModTime(), gate.QuietPeriodSec, now); rem > 0 {
				return Verdict{Blocked: true, Reason: window.QuietPeriodReason(rem), Wait: rem}
			}
		}
	}

	if gate.ActiveHours != nil && !gate.ActiveHours.Contains(now.In(g.loc)) {
		return Verdict{Blocked: true, Reason: window.ReasonActiveHours}
	}

	if g.guard != nil && g.ResourceSensitive(job.Type) {
		if vs, _ := g.guard.Violations(ctx, gate.Guardrails); len(vs) > 0 {
			return Verdict{Blocked: true, Reason: window.GuardrailsReason(guardrail.Reasons(vs))}
		}
	}
	return Verdict{}
}

// LoadLocation resolves the configured active-hours timezone. Empty means local.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown admission.timezone %q", name)
	}
	return loc, nil
}
