// Package validate holds an optional per-queue JSON Schema registry: a queue
// declared with a messageSchema in configuration rejects a publish whose
// payload does not conform, instead of accepting anything that decodes as
// bytes. A queue with no registered schema accepts any payload, matching the
// broker's default (schema-less) behavior.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry compiles and caches one JSON Schema per queue key. Queue keys are
// namespace-qualified ("namespace/queue") so two namespaces can register
// unrelated schemas under the same queue name.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{compiled: make(map[string]*jsonschema.Schema)}
}

func key(namespace, queue string) string { return namespace + "/" + queue }

// Register compiles schemaJSON and associates it with namespace/queue,
// replacing any schema previously registered for that key. An empty
// schemaJSON removes the queue's schema, if any.
func (r *Registry) Register(namespace, queue string, schemaJSON []byte) error {
	k := key(namespace, queue)
	if len(bytes.TrimSpace(schemaJSON)) == 0 {
		r.mu.Lock()
		delete(r.compiled, k)
		r.mu.Unlock()
		return nil
	}

	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("%s.json", k)
	if err := compiler.AddResource(resource, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("validate: add schema resource for %s: %w", k, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("validate: compile schema for %s: %w", k, err)
	}

	r.mu.Lock()
	r.compiled[k] = schema
	r.mu.Unlock()
	return nil
}

// HasSchema reports whether namespace/queue has a registered schema.
func (r *Registry) HasSchema(namespace, queue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compiled[key(namespace, queue)]
	return ok
}

// Validate checks payload against namespace/queue's registered schema. A
// queue with no registered schema always validates successfully. payload
// must be valid JSON whenever a schema is registered — a non-JSON payload
// against a schema-bound queue is reported the same as a schema mismatch.
func (r *Registry) Validate(namespace, queue string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.compiled[key(namespace, queue)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
