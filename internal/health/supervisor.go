// Package health implements the Health Supervisor: per-downstream state
// tracking and reconnect backoff, grounded on the teacher's
// ConfigureBackOff/retryDiscovery pair in internal/broker/broker.go.
package health

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/portel-dev/ncp/internal/domain"
)

// StateChangedFunc is invoked whenever a downstream's ServerState
// transitions, consumed by the Orchestrator's notification plumbing.
type StateChangedFunc func(serverName string, from, to domain.ServerState)

// Supervisor tracks the ServerState of every downstream and drives
// reconnect attempts with exponential backoff and jitter.
type Supervisor struct {
	mu     sync.RWMutex
	states map[string]domain.ServerState

	onStateChanged StateChangedFunc

	log *slog.Logger
}

// New creates a Supervisor with no tracked servers.
func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		states: make(map[string]domain.ServerState),
		log:    log.With("component", "health.Supervisor"),
	}
}

// OnStateChanged registers the callback invoked on every state transition.
func (s *Supervisor) OnStateChanged(fn StateChangedFunc) {
	s.mu.Lock()
	s.onStateChanged = fn
	s.mu.Unlock()
}

// State returns the last known state of serverName, defaulting to
// StateStarting for a server never registered.
func (s *Supervisor) State(serverName string) domain.ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[serverName]; ok {
		return st
	}
	return domain.StateStarting
}

// SetState records a new state for serverName and fires onStateChanged if it
// differs from the previous one.
func (s *Supervisor) SetState(serverName string, to domain.ServerState) {
	s.mu.Lock()
	from, ok := s.states[serverName]
	if !ok {
		from = domain.StateStarting
	}
	s.states[serverName] = to
	fn := s.onStateChanged
	s.mu.Unlock()

	if ok && from == to {
		return
	}
	s.log.Info("server state changed", "server", serverName, "from", from, "to", to)
	if fn != nil {
		fn(serverName, from, to)
	}
}

// Forget drops all tracked state for serverName, called on removeServer.
func (s *Supervisor) Forget(serverName string) {
	s.mu.Lock()
	delete(s.states, serverName)
	s.mu.Unlock()
}

// Backoff builds the exponential-with-jitter reconnect schedule described in
// spec.md §4.4: "exponential with jitter, starting 1s, doubling to a cap of
// 60s", tunable via environment variables following the teacher's
// ConfigureBackOff.
func Backoff() wait.Backoff {
	duration := 1 * time.Second
	if v := os.Getenv("NCP_RECONNECT_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			duration = d
		}
	}

	cap := 60 * time.Second
	if v := os.Getenv("NCP_RECONNECT_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cap = d
		}
	}

	steps := 10
	if v := os.Getenv("NCP_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			steps = n
		}
	}

	return wait.Backoff{
		Duration: duration,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    steps,
		Cap:      cap,
	}
}

// Reconnect retries connect with exponential backoff until it succeeds, the
// backoff is exhausted, or ctx is cancelled (e.g. by removeServer). Halts
// immediately, and silently, when ctx is cancelled — per spec.md §4.4
// "halts on removeServer".
func (s *Supervisor) Reconnect(ctx context.Context, serverName string, connect func(context.Context) error) error {
	attempt := 0
	backOff := Backoff()
	return wait.ExponentialBackoffWithContext(ctx, backOff, func(ctx context.Context) (bool, error) {
		attempt++
		s.log.Info("attempting reconnect", "server", serverName, "attempt", attempt)
		if err := connect(ctx); err != nil {
			s.log.Warn("reconnect attempt failed", "server", serverName, "attempt", attempt, "error", err)
			s.SetState(serverName, domain.StateUnhealthy)
			return false, nil
		}
		s.SetState(serverName, domain.StateHealthy)
		return true, nil
	})
}
