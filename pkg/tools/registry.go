package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ErrDuplicateTool is returned when two tools register the same name.
// Registration conflicts are fatal at startup; names are never shadowed.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Registry is the static name-to-tool mapping. It is populated once during
// startup and read-only afterwards.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool. The schema is compiled eagerly so a malformed
// declaration also fails at startup rather than mid-conversation.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Schema()))
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateTool)
	}

	r.tools[name] = tool
	r.schemas[name] = schema

	log.Info().Str("tool", name).Msg("Tool registered")
	return nil
}

// Get returns a tool and its compiled schema by name.
func (r *Registry) Get(name string) (Tool, *gojsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, nil, false
	}
	return tool, r.schemas[name], true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the model-facing descriptors for every tool whose
// capability requirements are satisfied by the provided set. Tools that do
// not report capabilities are always eligible.
func (r *Registry) Descriptors(have map[string]bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]Descriptor, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		tool := r.tools[name]
		if reporter, ok := tool.(CapabilityReporter); ok {
			satisfied := true
			for _, capability := range reporter.Capabilities() {
				if !have[capability] {
					satisfied = false
					break
				}
			}
			if !satisfied {
				continue
			}
		}
		descriptors = append(descriptors, Descriptor{
			Name:        name,
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return descriptors
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
