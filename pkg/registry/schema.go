package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// TermsValidator validates opaque terms payloads against optional
// per-capability JSON schemas. Capabilities without a registered schema
// accept any terms.
type TermsValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewTermsValidator() *TermsValidator {
	return &TermsValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// SetSchema compiles and registers a JSON schema for a capability tag.
func (v *TermsValidator) SetSchema(tag, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(tag+".json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("%w: schema for %s: %v", protocol.ErrValidation, tag, err)
	}
	schema, err := compiler.Compile(tag + ".json")
	if err != nil {
		return fmt.Errorf("%w: schema for %s: %v", protocol.ErrValidation, tag, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[tag] = schema
	return nil
}

// Validate checks terms against the capability's schema, if any.
func (v *TermsValidator) Validate(tag string, terms protocol.Terms) error {
	v.mu.RLock()
	schema := v.schemas[tag]
	v.mu.RUnlock()

	if schema == nil {
		return nil
	}
	if err := schema.Validate(map[string]any(terms)); err != nil {
		return fmt.Errorf("%w: terms for %s: %v", protocol.ErrValidation, tag, err)
	}
	return nil
}
