// Package catalog holds the declarative action descriptors that the tool
// invoker compiles into HTTP calls. The catalog is loaded once at startup
// and is read-only afterwards, which permits lock-free concurrent reads
// during pipeline execution.
package catalog

import (
	"fmt"
	"sort"

	"report-runner/internal/common/errors"
)

// Action set groups. Each pipeline stage draws actions from one group.
const (
	GroupDatabase = "database"
	GroupDocGen   = "docgen"
	GroupComms    = "comms"
)

// Parameter types accepted by descriptors
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeArray  = "array"
	TypeObject = "object"
)

// ParameterSpec describes one caller-supplied parameter of an action
type ParameterSpec struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
}

// ActionDescriptor is the declarative definition of one external HTTP
// operation: a typed parameter schema plus a request template. Descriptors
// are immutable once registered.
type ActionDescriptor struct {
	Name            string                   `json:"name"`
	Description     string                   `json:"description"`
	Group           string                   `json:"group"`
	Method          string                   `json:"method"`
	URLTemplate     string                   `json:"url"`
	HeaderTemplates map[string]string        `json:"headers,omitempty"`
	BodyTemplate    interface{}              `json:"body,omitempty"`
	Parameters      map[string]ParameterSpec `json:"parameters,omitempty"`
}

// Catalog is an in-memory registry of action descriptors
type Catalog struct {
	actions map[string]*ActionDescriptor
}

// New creates an empty catalog
func New() *Catalog {
	return &Catalog{actions: make(map[string]*ActionDescriptor)}
}

// Register adds a descriptor to the catalog. Registering a name twice is a
// conflict error; registration only happens during startup loading.
func (c *Catalog) Register(d *ActionDescriptor) error {
	if d.Name == "" {
		return errors.ConfigError("action descriptor has no name")
	}
	if _, exists := c.actions[d.Name]; exists {
		return errors.ConflictError(fmt.Sprintf("action '%s' is already registered", d.Name))
	}
	c.actions[d.Name] = d
	return nil
}

// Lookup returns the descriptor registered under name
func (c *Catalog) Lookup(name string) (*ActionDescriptor, error) {
	d, ok := c.actions[name]
	if !ok {
		return nil, errors.NotFoundError(fmt.Sprintf("action '%s'", name))
	}
	return d, nil
}

// Group returns all descriptors belonging to an action set, sorted by name
func (c *Catalog) Group(group string) []*ActionDescriptor {
	var out []*ActionDescriptor
	for _, d := range c.actions {
		if d.Group == group {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every registered descriptor, sorted by name
func (c *Catalog) All() []*ActionDescriptor {
	out := make([]*ActionDescriptor, 0, len(c.actions))
	for _, d := range c.actions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered actions
func (c *Catalog) Len() int {
	return len(c.actions)
}
