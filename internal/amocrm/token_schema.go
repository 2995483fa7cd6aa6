package amocrm

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const tokenSchemaURL = "https://amorelay.invalid/schema/token.json"

const tokenSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["access_token", "refresh_token"],
	"properties": {
		"access_token": {"type": "string", "minLength": 1},
		"refresh_token": {"type": "string", "minLength": 1},
		"token_type": {"type": "string"},
		"expires_in": {"type": ["integer", "string"]},
		"received_at": {"type": "integer"}
	}
}`

var compileTokenSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(tokenSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(tokenSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(tokenSchemaURL)
})

// validateTokenDocument reports ErrTokenCorrupt when data is not JSON or is
// missing either token.
func validateTokenDocument(data []byte) error {
	schema, err := compileTokenSchema()
	if err != nil {
		return fmt.Errorf("compile token schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenCorrupt, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenCorrupt, err)
	}
	return nil
}
