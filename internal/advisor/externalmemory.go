package advisor

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// ExternalResult is one hit from an optional external memory adapter
// (spec §4.8 source 5, the "Mind-bridge" of §4.9).
type ExternalResult struct {
	Text  string
	Score float64
}

// ExternalMemory is the minimal query-only contract an external
// memory collaborator must satisfy. There is no concrete
// implementation in this module — only the adapter boundary, wrapped
// below in a circuit breaker (spec §4.9: "health-checked with
// exponential backoff; never blocks the cycle").
type ExternalMemory interface {
	Query(ctx context.Context, query string) ([]ExternalResult, error)
}

// ExternalMemoryAdapter wraps an ExternalMemory behind a circuit
// breaker, grounded on jordigilh-kubernaut's use of
// github.com/sony/gobreaker for guarding external calls: after
// repeated failures the breaker opens and Query fails fast instead of
// stacking up slow external calls against the bridge cycle's timeout
// budget.
type ExternalMemoryAdapter struct {
	backend ExternalMemory
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewExternalMemoryAdapter wraps backend. timeout bounds each Query
// call (spec §5: "5 s request" timeout).
func NewExternalMemoryAdapter(backend ExternalMemory, timeout time.Duration) *ExternalMemoryAdapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "external-memory",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &ExternalMemoryAdapter{
		backend: backend,
		cb:      gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
	}
}

// Query calls the backend through the circuit breaker. A tripped
// breaker or an expired timeout both return an error rather than
// blocking the caller.
func (a *ExternalMemoryAdapter) Query(ctx context.Context, query string) ([]ExternalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.backend.Query(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	results, _ := result.([]ExternalResult)
	return results, nil
}

// State reports the breaker's current state; the bridge-cycle
// heartbeat records only the health-check result, not this state.
func (a *ExternalMemoryAdapter) State() gobreaker.State {
	return a.cb.State()
}
