// Package dag loads declarative pipeline definitions and validates them into
// execution DAGs.
package dag

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fluxline/fluxline/pkg/types"
)

// StageDefinition is one stage of a declarative pipeline definition.
type StageDefinition struct {
	Name         string                 `json:"name" yaml:"name"`
	Agent        string                 `json:"agent" yaml:"agent"`
	TaskType     string                 `json:"task_type" yaml:"task_type"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// PipelineDefinition is the declarative input describing a pipeline.
type PipelineDefinition struct {
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Stages       []StageDefinition      `json:"stages" yaml:"stages"`
	QualityGates map[string]float64     `json:"quality_gates,omitempty" yaml:"quality_gates,omitempty"`
	AutoRepair   types.AutoRepairPolicy `json:"auto_repair,omitempty" yaml:"auto_repair,omitempty"`
}

// ParseDefinition decodes a pipeline definition from YAML or JSON. The raw
// document is validated against the embedded schema before decoding, so
// structural mistakes surface with field paths instead of decode errors.
func ParseDefinition(data []byte) (*PipelineDefinition, error) {
	// YAML is a superset of JSON, so one decode path covers both.
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid document: %v", err)}
	}

	// Round-trip through JSON so the schema validator sees the value shapes
	// it expects (float64 numbers, map[string]interface{} objects).
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid document: %v", err)}
	}

	if verr := validateDefinitionJSON(jsonBytes); verr != nil {
		return nil, verr
	}

	var def PipelineDefinition
	if err := json.Unmarshal(jsonBytes, &def); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decode definition: %v", err)}
	}
	return &def, nil
}
