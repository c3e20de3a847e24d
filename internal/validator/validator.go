// Package validator provides JSON schema validation for pipeline documents
// and run triggers.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Validator validates pipeline definitions and triggers against embedded
// schemas. Schema validation catches shape errors with useful paths before
// the scheduler's semantic checks run.
type Validator struct {
	pipelineSchema *jsonschema.Schema
	triggerSchema  *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a validator with the embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("pipeline.json", strings.NewReader(pipelineSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add pipeline schema: %w", err)
	}
	if err := compiler.AddResource("trigger.json", strings.NewReader(triggerSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add trigger schema: %w", err)
	}

	pipelineSchema, err := compiler.Compile("pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	triggerSchema, err := compiler.Compile("trigger.json")
	if err != nil {
		return nil, fmt.Errorf("compile trigger schema: %w", err)
	}

	return &Validator{
		pipelineSchema: pipelineSchema,
		triggerSchema:  triggerSchema,
	}, nil
}

// ValidatePipeline validates a decoded pipeline document.
func (v *Validator) ValidatePipeline(doc map[string]interface{}) *ValidationResult {
	return v.validate(v.pipelineSchema, doc)
}

// ValidateTrigger validates a decoded trigger document.
func (v *Validator) ValidateTrigger(doc map[string]interface{}) *ValidationResult {
	return v.validate(v.triggerSchema, doc)
}

// ValidatePipelineJSON validates a JSON-encoded pipeline.
func (v *Validator) ValidatePipelineJSON(data []byte) *ValidationResult {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid(fmt.Sprintf("invalid JSON: %v", err))
	}
	return v.ValidatePipeline(doc)
}

// ValidatePipelineYAML validates a YAML-encoded pipeline. The document is
// round-tripped through JSON so the schema sees plain maps and numbers.
func (v *Validator) ValidatePipelineYAML(data []byte) *ValidationResult {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return invalid(fmt.Sprintf("invalid YAML: %v", err))
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return invalid(fmt.Sprintf("convert document: %v", err))
	}
	return v.ValidatePipelineJSON(encoded)
}

// ValidateTriggerJSON validates a JSON-encoded trigger.
func (v *Validator) ValidateTriggerJSON(data []byte) *ValidationResult {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid(fmt.Sprintf("invalid JSON: %v", err))
	}
	return v.ValidateTrigger(doc)
}

func invalid(msg string) *ValidationResult {
	return &ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Path: "$", Message: msg}},
	}
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

// Embedded JSON schemas

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Pipeline Definition",
  "description": "Schema for stagehand pipeline definitions",
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9._-]*$",
      "description": "Unique pipeline identifier"
    },
    "description": {
      "type": "string",
      "description": "Human-readable pipeline description"
    },
    "labels": {
      "type": "object",
      "additionalProperties": {"type": "string"},
      "description": "Arbitrary key/value labels"
    },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/stage"},
      "description": "Stages forming the execution graph"
    }
  },
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["name", "steps"],
      "properties": {
        "name": {
          "type": "string",
          "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
          "description": "Stage identifier"
        },
        "needs": {
          "type": "array",
          "items": {"type": "string"},
          "description": "Upstream stage names"
        },
        "inputs": {
          "type": "array",
          "items": {"type": "string"},
          "description": "Artifact keys read by the stage"
        },
        "gate": {"$ref": "#/$defs/condition"},
        "run_on_failure": {
          "type": "boolean",
          "description": "Admit the stage even when upstream stages failed"
        },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": {"$ref": "#/$defs/step"},
          "description": "Steps executed in order"
        }
      }
    },
    "condition": {
      "type": "object",
      "properties": {
        "when": {
          "type": "string",
          "maxLength": 4096,
          "description": "Compact predicate expression"
        },
        "equals": {"$ref": "#/$defs/fieldCompare"},
        "not_equals": {"$ref": "#/$defs/fieldCompare"},
        "status_is": {
          "type": "object",
          "required": ["stage", "in"],
          "properties": {
            "stage": {"type": "string"},
            "in": {
              "type": "array",
              "minItems": 1,
              "items": {"type": "string"}
            }
          }
        },
        "all": {
          "type": "array",
          "items": {"$ref": "#/$defs/condition"}
        },
        "any": {
          "type": "array",
          "items": {"$ref": "#/$defs/condition"}
        },
        "not": {"$ref": "#/$defs/condition"}
      }
    },
    "fieldCompare": {
      "type": "object",
      "required": ["field", "value"],
      "properties": {
        "field": {"type": "string"},
        "value": {"type": "string"}
      }
    },
    "step": {
      "type": "object",
      "required": ["name", "command"],
      "properties": {
        "name": {
          "type": "string",
          "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
          "description": "Step identifier"
        },
        "command": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string"},
          "description": "Command and arguments"
        },
        "image": {
          "type": "string",
          "description": "Container image for kubernetes execution"
        },
        "env": {
          "type": "object",
          "additionalProperties": {"type": "string"},
          "description": "Environment variables"
        },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ms|s|m|h)$",
          "description": "Timeout duration"
        },
        "retries": {
          "type": "integer",
          "minimum": 0,
          "maximum": 10,
          "description": "Re-attempts after a transient failure"
        },
        "retryable": {"type": "boolean"},
        "non_fatal": {"type": "boolean"},
        "mutating": {"type": "boolean"},
        "accept_exit_codes": {
          "type": "array",
          "items": {"type": "integer"},
          "description": "Nonzero exit codes treated as success"
        },
        "outputs": {
          "type": "array",
          "items": {"$ref": "#/$defs/output"}
        }
      }
    },
    "output": {
      "type": "object",
      "required": ["name", "source"],
      "properties": {
        "name": {
          "type": "string",
          "pattern": "^[a-zA-Z][a-zA-Z0-9_.-]*$",
          "description": "Artifact key"
        },
        "source": {
          "type": "string",
          "enum": ["exit_code", "stdout", "stdout_json", "stdout_regex", "file"]
        },
        "pattern": {"type": "string"},
        "path": {"type": "string"},
        "required": {"type": "boolean"}
      }
    }
  }
}`

const triggerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "trigger.json",
  "title": "Run Trigger",
  "description": "Schema for run trigger payloads",
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {
      "type": "string",
      "enum": ["push", "pull_request", "manual"],
      "description": "What kind of event started the run"
    },
    "action": {
      "type": "string",
      "description": "Requested action, e.g. plan or apply"
    },
    "actor": {
      "type": "string",
      "description": "Who initiated the run"
    },
    "environment": {
      "type": "string",
      "description": "Target environment"
    },
    "params": {
      "type": "object",
      "additionalProperties": {"type": "string"},
      "description": "Free-form trigger parameters"
    }
  }
}`
