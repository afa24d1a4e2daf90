package stash

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/grafana/symbolserver/pkg/health"
)

// healthState tracks the outcome of the recent loads. Failures of unknown
// SDKs and abandoned loads are not recorded.
type healthState struct {
	threshold int64

	consecutiveFailures atomic.Int64
	lastError           atomic.Error
	lastSuccess         atomic.Time
}

func newHealthState(threshold int) *healthState {
	return &healthState{threshold: int64(threshold)}
}

func (h *healthState) success(now time.Time) {
	h.consecutiveFailures.Store(0)
	h.lastSuccess.Store(now)
}

func (h *healthState) failure(err error) {
	h.lastError.Store(err)
	h.consecutiveFailures.Inc()
}

// Healthy reports whether the stash is serving successfully. It turns false
// once HealthFailureThreshold loads in a row have failed, and true again with
// the next successful load.
func (s *Stash) Healthy() bool {
	return s.health.consecutiveFailures.Load() < s.health.threshold
}

// Probe implements health.Condition. It only reads the recorded state and
// never waits for loads in progress.
func (s *Stash) Probe() (health.StatusMessage, error) {
	failures := s.health.consecutiveFailures.Load()
	details := fmt.Sprintf("resident databases: %d, loads in flight: %d", s.entries.Len(), s.inFlight.Load())
	if t := s.health.lastSuccess.Load(); !t.IsZero() {
		details += fmt.Sprintf(", last successful load: %s", t.UTC().Format(time.RFC3339))
	}
	if failures == 0 {
		return health.StatusMessage{Status: health.Healthy, Message: details}, nil
	}
	msg := fmt.Sprintf("%d consecutive failed loads, last error: %v; %s", failures, s.health.lastError.Load(), details)
	if failures < s.health.threshold {
		return health.StatusMessage{Status: health.Warning, Message: msg}, nil
	}
	return health.StatusMessage{Status: health.Critical, Message: msg}, nil
}
