// Package tools implements the functions the tutoring model may call during
// a conversation turn: web search, page fetching, textbook retrieval, graph
// rendering, and image generation.
package tools

import (
	"context"
	"encoding/json"

	"github.com/tutorly/tutord/internal/provider"
)

// Invocation carries the identifiers of the turn a tool runs inside, plus the
// raw JSON arguments the model supplied.
type Invocation struct {
	UserID  string
	ChatID  string
	ClassID string
	Args    json.RawMessage
}

// Tool is one callable capability. Feature names the quota feature a call
// consumes; an empty string means the tool is not metered.
type Tool interface {
	Spec() provider.ToolSpec
	Feature() string
	Invoke(ctx context.Context, inv Invocation) (string, error)
}

// Registry holds the available tools in registration order.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the previous tool but
// keeps its position.
func (r *Registry) Register(t Tool) {
	name := t.Spec().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the tool specs in registration order, for the model request.
func (r *Registry) Specs() []provider.ToolSpec {
	specs := make([]provider.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}
