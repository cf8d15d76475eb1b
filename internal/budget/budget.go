// Package budget defines the advisory budget collaborator consumed by the
// task router. The accounting engine itself lives outside this service.
package budget

import (
	"context"
	"sync"
	"time"
)

// Limits is the remaining budget advice for a run. Zero values mean
// unconstrained.
type Limits struct {
	MaxCostPerTask float64       `json:"max_cost_per_task"`
	MaxLatency     time.Duration `json:"max_latency"`
}

// Unconstrained reports whether the limits impose no cost ceiling.
func (l Limits) Unconstrained() bool {
	return l.MaxCostPerTask <= 0
}

// Service exposes remaining budget per run. The router treats it as an
// advisory veto input only; a nil Service or an error defaults to
// unconstrained.
type Service interface {
	Remaining(ctx context.Context, runID string) (Limits, error)
}

// Charger is implemented by services that accrue spend per run. The router
// charges the ledger as task outcomes come back.
type Charger interface {
	Charge(runID string, cost float64)
}

// Fixed is a Service returning the same limits for every run.
type Fixed struct {
	Limits Limits
}

func (f *Fixed) Remaining(ctx context.Context, runID string) (Limits, error) {
	return f.Limits, nil
}

// Ledger is a Service that tracks spend per run against a total budget and
// advises a per-task ceiling from what is left.
type Ledger struct {
	mu         sync.Mutex
	total      float64
	maxLatency time.Duration
	spent      map[string]float64
}

// NewLedger creates a ledger with a total cost budget per run.
func NewLedger(totalPerRun float64, maxLatency time.Duration) *Ledger {
	return &Ledger{
		total:      totalPerRun,
		maxLatency: maxLatency,
		spent:      make(map[string]float64),
	}
}

// Charge records cost spent by a run.
func (l *Ledger) Charge(runID string, cost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent[runID] += cost
}

// Spent returns the cost recorded so far for a run.
func (l *Ledger) Spent(runID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[runID]
}

func (l *Ledger) Remaining(ctx context.Context, runID string) (Limits, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.total - l.spent[runID]
	if remaining < 0 {
		remaining = 0
	}
	return Limits{MaxCostPerTask: remaining, MaxLatency: l.maxLatency}, nil
}
