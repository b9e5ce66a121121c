package task

import (
	"fmt"
	"sync"
)

// Validator checks a payload for one task type at submission time.
type Validator func(payload map[string]any) error

// SchemaRegistry validates payloads by task type before they reach a queue.
// Unknown types pass unless the registry is strict.
type SchemaRegistry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	strict     bool
}

func NewSchemaRegistry(strict bool) *SchemaRegistry {
	return &SchemaRegistry{
		validators: make(map[string]Validator),
		strict:     strict,
	}
}

// Register installs a validator for a task type, replacing any existing one.
func (r *SchemaRegistry) Register(taskType string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[taskType] = v
}

// Validate applies the validator registered for the task's type.
func (r *SchemaRegistry) Validate(t *Task) error {
	r.mu.RLock()
	v, ok := r.validators[t.Type]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return fmt.Errorf("no schema registered for task type %q", t.Type)
		}
		return nil
	}
	if err := v(t.Payload); err != nil {
		return fmt.Errorf("payload for %q: %w", t.Type, err)
	}
	return nil
}

// RequireKeys returns a Validator that checks for the presence of keys.
func RequireKeys(keys ...string) Validator {
	return func(payload map[string]any) error {
		for _, k := range keys {
			if _, ok := payload[k]; !ok {
				return fmt.Errorf("missing required key %q", k)
			}
		}
		return nil
	}
}
