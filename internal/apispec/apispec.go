// Package apispec embeds the dispatch API document and validates request
// bodies against its schemas.
package apispec

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed ledger.yaml
var document []byte

const (
	SchemaSubmitCommand = "SubmitCommandRequest"
	SchemaAppendEntry   = "AppendEntryRequest"
	SchemaPutCredential = "PutCredentialRequest"
)

// Document returns the raw OpenAPI document.
func Document() []byte {
	return append([]byte(nil), document...)
}

// ValidationError aggregates schema violations for one request body.
type ValidationError struct {
	Schema string
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.Schema + ": validation failed"
	}
	return e.Schema + ": " + strings.Join(e.Issues, "; ")
}

type Validator struct {
	doc *openapi3.T
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("load api document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate api document: %w", err)
	}
	for _, name := range []string{SchemaSubmitCommand, SchemaAppendEntry, SchemaPutCredential} {
		if ref := doc.Components.Schemas[name]; ref == nil || ref.Value == nil {
			return nil, fmt.Errorf("api document is missing schema %q", name)
		}
	}
	return &Validator{doc: doc}, nil
}

// ValidateBody decodes body as JSON and checks it against the named
// component schema.
func (v *Validator) ValidateBody(schema string, body []byte) error {
	ref := v.doc.Components.Schemas[schema]
	if ref == nil || ref.Value == nil {
		return fmt.Errorf("unknown schema %q", schema)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return &ValidationError{Schema: schema, Issues: []string{"request body is required"}}
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return &ValidationError{Schema: schema, Issues: []string{"request body is not valid JSON"}}
	}

	if err := ref.Value.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return &ValidationError{Schema: schema, Issues: issuesOf(err)}
	}
	return nil
}

func issuesOf(err error) []string {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		out := make([]string, 0, len(multi))
		for _, e := range multi {
			out = append(out, issuesOf(e)...)
		}
		sort.Strings(out)
		return out
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		path := strings.Join(schemaErr.JSONPointer(), ".")
		if path == "" {
			return []string{schemaErr.Reason}
		}
		return []string{path + ": " + schemaErr.Reason}
	}
	return []string{err.Error()}
}
