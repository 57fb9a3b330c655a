package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bidworks/bidflow/pkg/schema"
)

// startRequestSchemaJSON validates the body of an execution start request.
// Embedded as a constant to avoid filesystem dependencies.
const startRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bidworks.dev/schemas/start-request.json",
  "type": "object",
  "required": ["project_id", "initiator"],
  "properties": {
    "project_id": {
      "type": "string",
      "minLength": 1
    },
    "initiator": {
      "type": "string",
      "minLength": 1
    },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    },
    "input": {},
    "stage_configs": {
      "type": "object",
      "propertyNames": { "$ref": "#/$defs/stage" },
      "additionalProperties": { "$ref": "#/$defs/stage_config" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "string",
      "enum": ["parser", "analysis", "content", "knowledge", "compliance", "qa", "communications", "submission"]
    },
    "stage_config": {
      "type": "object",
      "properties": {
        "result_selector": { "type": "string" },
        "deadline": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// decisionSchemaJSON validates the body of a decision submission.
const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bidworks.dev/schemas/decision.json",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {
      "type": "string",
      "enum": ["retry", "skip", "restart_workflow", "approve", "revise", "grant_permission", "deny_permission"]
    },
    "gate_id": { "type": "string" },
    "decided_by": { "type": "string" },
    "payload": {}
  },
  "additionalProperties": false,
  "if": {
    "properties": { "kind": { "const": "revise" } }
  },
  "then": {
    "required": ["payload"],
    "properties": {
      "payload": {
        "type": "object",
        "required": ["target_stage"],
        "properties": {
          "target_stage": {
            "type": "string",
            "enum": ["parser", "analysis", "content", "knowledge", "compliance", "qa", "communications", "submission"]
          },
          "feedback": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  }
}`

// RequestValidator validates external request bodies against JSON Schema
// Draft 2020-12 before they reach the controller. Safe for concurrent use.
type RequestValidator struct {
	startSchema    *jsonschema.Schema
	decisionSchema *jsonschema.Schema
}

// NewRequestValidator compiles the embedded request schemas.
func NewRequestValidator() (*RequestValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	start, err := compileResource(c, "https://bidworks.dev/schemas/start-request.json", startRequestSchemaJSON)
	if err != nil {
		return nil, err
	}
	decision, err := compileResource(c, "https://bidworks.dev/schemas/decision.json", decisionSchemaJSON)
	if err != nil {
		return nil, err
	}

	return &RequestValidator{
		startSchema:    start,
		decisionSchema: decision,
	}, nil
}

func compileResource(c *jsonschema.Compiler, url, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateStartRequest checks a raw start request body.
func (v *RequestValidator) ValidateStartRequest(body []byte) error {
	return v.validate(v.startSchema, body)
}

// ValidateDecision checks a raw decision submission body.
func (v *RequestValidator) ValidateDecision(body []byte) error {
	return v.validate(v.decisionSchema, body)
}

func (v *RequestValidator) validate(s *jsonschema.Schema, body []byte) error {
	if len(body) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "request body is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "request body is not valid JSON").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toBidflowError(err)
	}
	return nil
}

// toBidflowError converts a jsonschema.ValidationError into a BidflowError
// with the leaf violations listed for client consumption.
func toBidflowError(err error) *schema.BidflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
