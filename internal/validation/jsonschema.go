package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/karflow/pkg/schema"
)

const karSchemaURL = "https://karflow.dev/schemas/kar.json"

// karSchemaJSON is the JSON Schema for knowledge artifact documents.
const karSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://karflow.dev/schemas/kar.json",
  "type": "object",
  "required": ["id", "version", "actions"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/action" }
    },
    "default_queries": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/query" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "action": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": [
            "check-trigger-codes", "evaluate-condition", "create-report", "validate-report",
            "submit-report", "initiate-reporting-workflow", "execute-reporting-workflow",
            "terminate-reporting-workflow", "complete-reporting", "check-participant-registration",
            "extract-research-data"
          ]
        },
        "description": { "type": "string" },
        "timing": { "type": "array", "items": { "$ref": "#/$defs/timing" } },
        "conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "input": { "type": "array", "items": { "$ref": "#/$defs/requirement" } },
        "output": { "type": "array", "items": { "$ref": "#/$defs/requirement" } },
        "queries": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/query" }
        },
        "actions": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "related_actions": { "type": "array", "items": { "$ref": "#/$defs/related" } }
      },
      "additionalProperties": false
    },
    "timing": {
      "type": "object",
      "minProperties": 1,
      "properties": {
        "offset": { "$ref": "#/$defs/duration" },
        "cron": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "language": { "type": "string", "enum": ["text/cel", "text/expr", "text/jq"] },
        "expression": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "requirement": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "profile": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "query_key": { "type": "string" }
      },
      "additionalProperties": false
    },
    "query": {
      "type": "object",
      "required": ["query"],
      "properties": {
        "resource_type": { "type": "string" },
        "query": { "type": "string", "minLength": 1 },
        "filter": { "type": "string" }
      },
      "additionalProperties": false
    },
    "related": {
      "type": "object",
      "required": ["action_id"],
      "properties": {
        "action_id": { "type": "string", "minLength": 1 },
        "relationship": { "type": "string" },
        "offset": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of artifact documents against the
// embedded JSON Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	karSchema *jsonschema.Schema
	printer   *message.Printer
}

// NewJSONSchemaValidator compiles the artifact schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(karSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal artifact schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(karSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add artifact schema resource: %w", err)
	}
	compiled, err := c.Compile(karSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile artifact schema: %w", err)
	}
	return &JSONSchemaValidator{
		karSchema: compiled,
		printer:   message.NewPrinter(language.English),
	}, nil
}

// ValidateArtifact checks an in-memory artifact by round-tripping it
// through its JSON form.
func (v *JSONSchemaValidator) ValidateArtifact(kar *schema.KnowledgeArtifact) *schema.ValidationResult {
	if kar == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.ErrCodeValidation, "knowledge artifact is nil")
		return r
	}
	raw, err := json.Marshal(kar)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.ErrCodeValidation, "serialize knowledge artifact: "+err.Error())
		return r
	}
	return v.ValidateDocument(raw)
}

// ValidateDocument checks a raw artifact document. Unlike ValidateArtifact
// it sees fields the artifact type does not declare.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		r.AddError("", schema.ErrCodeValidation, "artifact document is not valid JSON: "+err.Error())
		return r
	}
	err = v.karSchema.Validate(doc)
	if err == nil {
		return r
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		r.AddError("", schema.ErrCodeValidation, err.Error())
		return r
	}
	v.addLeaves(r, verr)
	return r
}

// addLeaves records one issue per leaf of the error tree; inner nodes only
// say that a nested keyword failed.
func (v *JSONSchemaValidator) addLeaves(r *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			v.addLeaves(r, cause)
		}
		return
	}
	msg := verr.Error()
	if verr.ErrorKind != nil {
		msg = verr.ErrorKind.LocalizedString(v.printer)
	}
	r.AddError(definitionPath(verr.InstanceLocation), schema.ErrCodeValidation, msg)
}

// definitionPath renders an instance location the way the other validation
// stages name fields: ["actions","0","timing"] becomes "actions[0].timing".
func definitionPath(location []string) string {
	var b strings.Builder
	for _, tok := range location {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}
