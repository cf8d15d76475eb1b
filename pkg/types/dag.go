package types

// DAGNode is a single task node in an execution DAG. A node maps 1:1 to a
// TaskDefinition lookup by Name.
type DAGNode struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Agent        string                 `json:"agent"`
	TaskType     TaskType               `json:"task_type"`
	Dependencies []string               `json:"dependencies,omitempty"` // node IDs
	Config       map[string]interface{} `json:"config,omitempty"`
}

// DAGEdge is a directed dependency link between two nodes.
type DAGEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AutoRepairPolicy bounds automated remediation after quality-gate failures.
type AutoRepairPolicy struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	MaxRepairAttempts int  `json:"max_repair_attempts" yaml:"max_repair_attempts"`
}

// ExecutionDAG is a validated pipeline graph. Invariants: every edge endpoint
// references an existing node, every declared dependency resolves within the
// DAG, and no cycle exists.
type ExecutionDAG struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Nodes        []DAGNode          `json:"nodes"`
	Edges        []DAGEdge          `json:"edges,omitempty"`
	QualityGates map[string]float64 `json:"quality_gates,omitempty"`
	AutoRepair   AutoRepairPolicy   `json:"auto_repair"`
}

// Node returns the node with the given ID, if present.
func (d *ExecutionDAG) Node(id string) (*DAGNode, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// TaskExecutionPlan is a DAG node annotated with its execution phase. For any
// plan p, every dependency's phase is strictly less than p.ExecutionPhase.
type TaskExecutionPlan struct {
	Node           DAGNode  `json:"node"`
	ExecutionPhase int      `json:"execution_phase"`
	Dependencies   []string `json:"dependencies,omitempty"`
	RetryAttempts  int      `json:"retry_attempts"`
	Queue          string   `json:"queue,omitempty"`
}
