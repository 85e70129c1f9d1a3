package outbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const participantProgressedSchema = `{
  "type": "object",
  "title": "ParticipantProgressed",
  "properties": {
    "challenge_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "activity_id": {"type": "string", "minLength": 1},
    "dimension": {"enum": ["distance", "elevation", "duration"]},
    "delta": {"type": "number", "minimum": 0},
    "cumulative": {"type": "number", "minimum": 0},
    "occurred_at": {"type": "string"}
  },
  "required": ["challenge_id", "user_id", "activity_id", "dimension", "delta", "cumulative", "occurred_at"],
  "additionalProperties": false
}`

const participantCompletedSchema = `{
  "type": "object",
  "title": "ParticipantCompleted",
  "properties": {
    "challenge_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "activity_id": {"type": "string", "minLength": 1},
    "cumulative": {"type": "number"},
    "target": {"type": "number"},
    "completed_at": {"type": "string"}
  },
  "required": ["challenge_id", "user_id", "activity_id", "cumulative", "target", "completed_at"],
  "additionalProperties": false
}`

var eventSchemas = map[string]string{
	domain.EventParticipantProgressed: participantProgressedSchema,
	domain.EventParticipantCompleted:  participantCompletedSchema,
}

// schemaCatalog validates event payloads against their published contract.
type schemaCatalog struct {
	schemas map[string]*jsonschema.Schema
}

func newSchemaCatalog() (*schemaCatalog, error) {
	compiler := jsonschema.NewCompiler()
	catalog := &schemaCatalog{schemas: make(map[string]*jsonschema.Schema, len(eventSchemas))}
	for eventType, text := range eventSchemas {
		url := "mem://events/" + eventType + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", eventType, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", eventType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", eventType, err)
		}
		catalog.schemas[eventType] = schema
	}
	return catalog, nil
}

func (c *schemaCatalog) validate(eventType string, payload []byte) error {
	schema, ok := c.schemas[eventType]
	if !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", eventType)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%s payload: %w", eventType, err)
	}
	return nil
}
