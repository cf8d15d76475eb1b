package types

import "time"

// WorkerClass is a worker-capability tier. The escalation ladder is the
// declaration order: light < standard < advanced < premium.
type WorkerClass string

const (
	WorkerClassLight    WorkerClass = "light"
	WorkerClassStandard WorkerClass = "standard"
	WorkerClassAdvanced WorkerClass = "advanced"
	WorkerClassPremium  WorkerClass = "premium"
)

// workerLadder is the fixed escalation order, lowest capability first.
var workerLadder = []WorkerClass{
	WorkerClassLight,
	WorkerClassStandard,
	WorkerClassAdvanced,
	WorkerClassPremium,
}

// WorkerLadder returns the ordered capability ladder, lowest first.
func WorkerLadder() []WorkerClass {
	out := make([]WorkerClass, len(workerLadder))
	copy(out, workerLadder)
	return out
}

// Valid returns true if the class is a known tier.
func (c WorkerClass) Valid() bool {
	return c.Rank() >= 0
}

// Rank returns the position of the class on the ladder, or -1 if unknown.
func (c WorkerClass) Rank() int {
	for i, w := range workerLadder {
		if w == c {
			return i
		}
	}
	return -1
}

// Next returns the class one step up the ladder. ok is false when the class
// is already the top tier or unknown.
func (c WorkerClass) Next() (WorkerClass, bool) {
	r := c.Rank()
	if r < 0 || r >= len(workerLadder)-1 {
		return c, false
	}
	return workerLadder[r+1], true
}

// RoutingDecision records the worker class chosen for a task. Decisions are
// immutable; escalation produces a new decision referencing the prior one.
type RoutingDecision struct {
	TaskID        string                 `json:"task_id"`
	WorkerClass   WorkerClass            `json:"worker_class"`
	Rule          string                 `json:"rule"`
	Confidence    float64                `json:"confidence"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	Alternatives  []WorkerClass          `json:"alternatives,omitempty"`
	EscalatedFrom WorkerClass            `json:"escalated_from,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	DecidedAt     time.Time              `json:"decided_at"`
}

// Escalated returns true if this decision was produced by an escalation step.
func (d *RoutingDecision) Escalated() bool {
	return d.EscalatedFrom != ""
}
