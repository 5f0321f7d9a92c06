package state

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/artpar/caravel/internal/core/domain"
)

// =============================================================================
// Phase Schema Registry
// =============================================================================

// SchemaRegistry holds compiled JSON Schemas keyed by phase id. A phase
// without a registered schema validates trivially.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for a phase, replacing any
// previous one.
func (r *SchemaRegistry) Register(phaseID string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for phase %s: %w", phaseID, err)
	}

	compiler := jsonschema.NewCompiler()
	resource := phaseID + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema for phase %s: %w", phaseID, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for phase %s: %w", phaseID, err)
	}

	r.mu.Lock()
	r.compiled[phaseID] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks a payload against the phase's schema, reporting every
// violation. Phases without a schema always pass.
func (r *SchemaRegistry) Validate(phaseID string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.compiled[phaseID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return domain.NewValidationError(phaseID, fmt.Sprintf("payload is not valid JSON: %v", err))
	}

	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return domain.NewValidationError(phaseID, collectViolations(verr)...)
		}
		return domain.NewValidationError(phaseID, err.Error())
	}
	return nil
}

// collectViolations flattens a validation error tree into its leaf causes.
func collectViolations(err *jsonschema.ValidationError) []string {
	if len(err.Causes) == 0 {
		return []string{err.Error()}
	}
	var violations []string
	for _, cause := range err.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
