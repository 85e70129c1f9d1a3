package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const activityEntrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [
    {"required": ["summaryId"]},
    {"required": ["activityId"]},
    {"required": ["id"]},
    {"required": ["summary"]}
  ],
  "properties": {
    "summaryId": {"type": ["string", "integer"]},
    "activityId": {"type": ["string", "integer"]},
    "id": {"type": ["string", "integer"]},
    "userId": {"type": ["string", "integer"]},
    "activityType": {"type": "string"},
    "startTimeInSeconds": {"type": "integer"},
    "startTime": {"type": "string"},
    "durationInSeconds": {"type": "number", "minimum": 0},
    "durationSeconds": {"type": "number", "minimum": 0},
    "distanceInMeters": {"type": "number", "minimum": 0},
    "distanceMeters": {"type": "number", "minimum": 0},
    "totalElevationGainInMeters": {"type": "number"},
    "elevationGainMeters": {"type": "number"},
    "summary": {"type": "object"}
  }
}`

const callbackEntrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["callbackURL"],
  "properties": {
    "callbackURL": {"type": "string", "minLength": 1},
    "fileType": {"type": "string"}
  }
}`

// entrySchemas holds the compiled validators for inline and callback entries.
type entrySchemas struct {
	activity *jsonschema.Schema
	callback *jsonschema.Schema
}

func compileEntrySchemas() (*entrySchemas, error) {
	compiler := jsonschema.NewCompiler()
	resources := map[string]string{
		"mem://activity-entry.json": activityEntrySchema,
		"mem://callback-entry.json": callbackEntrySchema,
	}
	for url, text := range resources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}

	activity, err := compiler.Compile("mem://activity-entry.json")
	if err != nil {
		return nil, fmt.Errorf("compile activity schema: %w", err)
	}
	callback, err := compiler.Compile("mem://callback-entry.json")
	if err != nil {
		return nil, fmt.Errorf("compile callback schema: %w", err)
	}
	return &entrySchemas{activity: activity, callback: callback}, nil
}

func (s *entrySchemas) validate(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return nil
}

func (s *entrySchemas) validateActivity(raw []byte) error {
	return s.validate(s.activity, raw)
}

func (s *entrySchemas) validateCallback(raw []byte) error {
	return s.validate(s.callback, raw)
}
