package prcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/provider"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/sqlstore"
)

// ErrSchemaValidation marks a completion whose content does not satisfy the
// store's schema. It is recorded like any provider failure.
var ErrSchemaValidation = errors.New("response does not match schema")

// NewStructured returns a Store that asks for json_schema structured output
// and rejects content that fails schema validation.
func NewStructured(ctx context.Context, db *sqlstore.DB, completer provider.Completer, src PromptSource, schemaName string, schema json.RawMessage, opts Options) (*Store, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", schemaName, err)
	}
	if opts.Name == "" {
		opts.Name = "structured"
	}
	s, err := New(ctx, db, completer, src, opts)
	if err != nil {
		return nil, err
	}
	s.format = &models.ResponseFormat{
		Type:       "json_schema",
		JSONSchema: &models.JSONSchema{Name: schemaName, Schema: schema, Strict: true},
	}
	s.validate = func(content string) error {
		res, err := compiled.Validate(gojsonschema.NewStringLoader(content))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return fmt.Errorf("%w: %s", ErrSchemaValidation, strings.Join(msgs, "; "))
		}
		return nil
	}
	return s, nil
}

// Decode parses a structured response into T.
func Decode[T any](rec models.ResponseRecord) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(rec.ResponseText), &v); err != nil {
		return v, fmt.Errorf("decode response %s: %w", rec.GivenID, err)
	}
	return v, nil
}
