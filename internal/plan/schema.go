package plan

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON is the single versioned plan schema. Every write is checked
// against it before the rename; readers reject documents that fail it.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "implementation_plan.schema.json",
  "type": "object",
  "required": ["status", "xstateState", "executionPhase", "kind", "priority", "dependsOn"],
  "properties": {
    "status": {"type": "string", "minLength": 1},
    "xstateState": {"type": "string", "minLength": 1},
    "executionPhase": {"type": "string"},
    "kind": {"type": "string", "minLength": 1},
    "priority": {"type": "integer", "minimum": 0, "maximum": 3},
    "dependsOn": {"type": "array", "items": {"type": "string"}},
    "parentTask": {"type": ["string", "null"]},
    "worktreePath": {"type": "string"},
    "recoveryCount": {"type": "integer", "minimum": 0},
    "createdAt": {"type": "string"},
    "phases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "subtasks"],
        "properties": {
          "name": {"type": "string"},
          "subtasks": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "description", "status"],
              "properties": {
                "id": {"type": "string"},
                "description": {"type": "string"},
                "status": {"enum": ["pending", "in_progress", "completed"]},
                "filesToCreate": {"type": "array", "items": {"type": "string"}},
                "filesToModify": {"type": "array", "items": {"type": "string"}}
              }
            }
          }
        }
      }
    },
    "qaSignoff": {
      "type": "object",
      "required": ["status"],
      "properties": {
        "status": {"type": "string"},
        "issues": {"type": "array", "items": {"type": "string"}},
        "reportFile": {"type": "string"}
      }
    },
    "errors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "message"],
        "properties": {
          "kind": {"type": "string"},
          "message": {"type": "string", "maxLength": 200}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("implementation_plan.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("implementation_plan.schema.json")
	})
	return schema, schemaErr
}

// ValidateBytes checks a raw plan document against the schema.
func ValidateBytes(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := sch.Validate(parsed); err != nil {
		return fmt.Errorf("plan schema violation: %w", err)
	}
	return nil
}
