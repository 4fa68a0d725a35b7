package broker

import (
	"embed"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema names, one per message kind on the wire.
const (
	SchemaIngestionTrigger    = "ingestion-trigger"
	SchemaIngestionArchived   = "ingestion-archived"
	SchemaIngestionAccession  = "ingestion-accession"
	SchemaIngestionCompletion = "ingestion-completion"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*gojsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*gojsonschema.Schema, error) {
	schemasOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = fmt.Errorf("reading embedded schemas: %w", err)
			return
		}

		compiled := make(map[string]*gojsonschema.Schema, len(entries))
		for _, entry := range entries {
			raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
			if err != nil {
				schemasErr = fmt.Errorf("reading schema %s: %w", entry.Name(), err)
				return
			}

			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("compiling schema %s: %w", entry.Name(), err)
				return
			}

			compiled[strings.TrimSuffix(entry.Name(), ".json")] = schema
		}

		schemas = compiled
	})

	return schemas, schemasErr
}

// ValidateJSON checks body against the named embedded schema. It
// returns an error when the body is not valid JSON, or when it fails
// the schema; the error lists every violated constraint.
func ValidateJSON(schema string, body []byte) error {
	compiled, err := compiledSchemas()
	if err != nil {
		return err
	}

	s, ok := compiled[schema]
	if !ok {
		return fmt.Errorf("unknown message schema %q", schema)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("message is not well-formed JSON: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("message does not validate against schema %q: %s",
			schema, strings.Join(details, "; "))
	}

	return nil
}
