package envelope

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

// Per-subject payload schemas. Each payload must carry the pair the
// business id is derived from: object_key+version for document subjects,
// user_id+date for crawler activity.
var subjectSchemas = map[string]string{
	SubjectFileUploaded: `{
		"type": "object",
		"required": ["object_key", "version"],
		"properties": {
			"object_key":   {"type": "string", "minLength": 1},
			"version":      {"type": "string", "minLength": 1},
			"bucket":       {"type": "string"},
			"content_type": {"type": "string"},
			"size_bytes":   {"type": "integer", "minimum": 0}
		}
	}`,
	SubjectFileParsed: `{
		"type": "object",
		"required": ["object_key", "version"],
		"properties": {
			"object_key":      {"type": "string", "minLength": 1},
			"version":         {"type": "string", "minLength": 1},
			"text_object_key": {"type": "string"},
			"page_count":      {"type": "integer", "minimum": 0}
		}
	}`,
	SubjectFileExtracted: `{
		"type": "object",
		"required": ["object_key", "version"],
		"properties": {
			"object_key":          {"type": "string", "minLength": 1},
			"version":             {"type": "string", "minLength": 1},
			"entity_count":        {"type": "integer", "minimum": 0},
			"entities_object_key": {"type": "string"}
		}
	}`,
	SubjectFileIndexed: `{
		"type": "object",
		"required": ["object_key", "version"],
		"properties": {
			"object_key":   {"type": "string", "minLength": 1},
			"version":      {"type": "string", "minLength": 1},
			"vector_count": {"type": "integer", "minimum": 0},
			"index_name":   {"type": "string"}
		}
	}`,
	SubjectCrawlerFetched: `{
		"type": "object",
		"required": ["object_key", "version", "url"],
		"properties": {
			"object_key":  {"type": "string", "minLength": 1},
			"version":     {"type": "string", "minLength": 1},
			"url":         {"type": "string", "minLength": 1},
			"connector":   {"type": "string"},
			"status_code": {"type": "integer"}
		}
	}`,
	SubjectCrawlerActivity: `{
		"type": "object",
		"required": ["user_id", "date"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1},
			"date":    {"type": "string", "minLength": 1},
			"action":  {"type": "string"},
			"url":     {"type": "string"}
		}
	}`,
}

// SchemaRegistry validates envelope payloads against per-subject JSON
// schemas. A schema violation is a poison condition: the payload can never
// succeed regardless of retries.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles the built-in subject schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	compiler := jsonschema.NewCompiler()
	for subject, text := range subjectSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", subject, err)
		}
		if err := compiler.AddResource(subject+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", subject, err)
		}
	}

	schemas := make(map[string]*jsonschema.Schema, len(subjectSchemas))
	for subject := range subjectSchemas {
		sch, err := compiler.Compile(subject + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", subject, err)
		}
		schemas[subject] = sch
	}

	return &SchemaRegistry{schemas: schemas}, nil
}

// Validate checks an envelope's payload against its subject schema.
// Violations return a *perrors.ValidationError (classified as poison).
func (r *SchemaRegistry) Validate(e *Envelope) error {
	sch, ok := r.schemas[e.Subject()]
	if !ok {
		return &perrors.ValidationError{
			Field:   "stage",
			Message: "no payload schema for subject " + e.Subject(),
		}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(e.Payload))
	if err != nil {
		return &perrors.ValidationError{Field: "payload", Message: "not valid JSON: " + err.Error()}
	}

	if err := sch.Validate(inst); err != nil {
		return &perrors.ValidationError{Field: "payload", Message: err.Error()}
	}
	return nil
}

// Has reports whether a schema exists for the subject.
func (r *SchemaRegistry) Has(subject string) bool {
	_, ok := r.schemas[subject]
	return ok
}
