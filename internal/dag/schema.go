package dag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var definitionSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("pipeline.json", strings.NewReader(definitionSchemaJSON)); err != nil {
		panic(fmt.Sprintf("dag: add pipeline schema: %v", err))
	}
	schema, err := compiler.Compile("pipeline.json")
	if err != nil {
		panic(fmt.Sprintf("dag: compile pipeline schema: %v", err))
	}
	return schema
}

// validateDefinitionJSON checks a JSON-encoded pipeline definition against
// the embedded schema. Returns nil when valid.
func validateDefinitionJSON(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}

	err := definitionSchema.Validate(doc)
	if err == nil {
		return nil
	}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		leaf := leafCause(verr)
		return &ValidationError{
			Field:   leaf.InstanceLocation,
			Message: leaf.Message,
		}
	}
	return &ValidationError{Message: err.Error()}
}

// leafCause digs to the most specific validation failure.
func leafCause(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr
}

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Pipeline Definition",
  "description": "Schema for fluxline declarative pipeline definitions",
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Pipeline name"
    },
    "description": {
      "type": "string",
      "description": "Human-readable pipeline description"
    },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "agent", "task_type"],
        "properties": {
          "name": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9._-]*$",
            "description": "Stage identifier"
          },
          "agent": {
            "type": "string",
            "minLength": 1,
            "description": "Agent role that executes the stage"
          },
          "task_type": {
            "type": "string",
            "enum": ["planning", "specification", "architecture", "coding", "testing", "review", "deployment", "analysis", "performance"],
            "description": "Kind of work the stage performs"
          },
          "dependencies": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Names of stages that must complete first"
          },
          "config": {
            "type": "object",
            "description": "Stage-specific configuration"
          }
        }
      },
      "description": "Ordered stage list"
    },
    "quality_gates": {
      "type": "object",
      "additionalProperties": {
        "type": "number",
        "minimum": 0,
        "maximum": 1
      },
      "description": "Gate name to score threshold"
    },
    "auto_repair": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "max_repair_attempts": {"type": "integer", "minimum": 0, "maximum": 10}
      },
      "description": "Bounded automated remediation policy"
    }
  }
}`
