// Package poller discovers work by polling the forge and the tracker. It is
// the fallback ingestion path for deployments where webhooks cannot reach
// the controller, and the only path for tracker issues.
package poller

import (
	"context"
	"sync"
	"time"

	"gitpilot/internal/event"
)

// Pipelines is what discovered events are dispatched into.
type Pipelines interface {
	RunReview(ctx context.Context, ev event.Event) error
	RunCoding(ctx context.Context, ev event.Event) error
}

// maxBackoff caps the delay between cycles after repeated failures.
const maxBackoff = 300 * time.Second

// backoff doubles the base interval per consecutive failure, capped.
func backoff(base time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Health is a point-in-time snapshot of a poll loop, reported on /health.
type Health struct {
	Running  bool       `json:"running"`
	Failures int        `json:"failures"`
	Cursor   *time.Time `json:"cursor,omitempty"`
}

// loopStatus tracks liveness and consecutive failures for health reporting.
type loopStatus struct {
	mu       sync.Mutex
	running  bool
	failures int
}

func (s *loopStatus) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *loopStatus) observe(err error) {
	s.mu.Lock()
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	s.mu.Unlock()
}

func (s *loopStatus) snapshot() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{Running: s.running, Failures: s.failures}
}

// runLoop drives a poll function on an interval, backing off while it fails.
func runLoop(ctx context.Context, interval time.Duration, poll func(context.Context) error, status *loopStatus) {
	status.setRunning(true)
	defer status.setRunning(false)

	delay := interval
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		err := poll(ctx)
		status.observe(err)
		if err != nil {
			failures++
			delay = backoff(interval, failures)
		} else {
			failures = 0
			delay = interval
		}
	}
}
