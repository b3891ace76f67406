package admission

import (
	"time"

	"github.com/teranos/vigil/pulse/async"
)

// Backoff is the un-jittered re-check delay after attempts deferrals:
// min(base * 2^min(attempts, 4), max).
func Backoff(attempts int, base, max time.Duration) time.Duration {
	return async.BackoffPolicy{Base: base, Max: max}.Delay(attempts)
}
