package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pasky/muaddib/internal/providers"
)

var tracer = otel.Tracer("muaddib/tools")

// Registry holds the tool set for one run and dispatches calls by name.
type Registry struct {
	order   []string
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Duplicate names and invalid schemas are
// construction errors.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: duplicate tool %q", name)
	}

	schemaJSON, err := json.Marshal(t.Schema())
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %q: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("tools: schema resource for %q: %w", name, err)
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", name, err)
	}

	r.order = append(r.order, name)
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// MustRegister panics on registration failure. For static tool sets whose
// schemas are compile-time constants.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether the registry contains name.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Definitions renders the registry for a model request.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// Filter returns a registry restricted to the allowed names. A nil list
// means no restriction. Unknown names are ignored.
func (r *Registry) Filter(allowed []string) *Registry {
	if allowed == nil {
		return r
	}
	out := NewRegistry()
	for _, name := range r.order {
		if slices.Contains(allowed, name) {
			out.order = append(out.order, name)
			out.tools[name] = r.tools[name]
			out.schemas[name] = r.schemas[name]
		}
	}
	return out
}

// Exclude returns a registry without the named tools.
func (r *Registry) Exclude(names ...string) *Registry {
	out := NewRegistry()
	for _, name := range r.order {
		if slices.Contains(names, name) {
			continue
		}
		out.order = append(out.order, name)
		out.tools[name] = r.tools[name]
		out.schemas[name] = r.schemas[name]
	}
	return out
}

// Execute validates the call's arguments against the tool's schema and runs
// it. Schema violations and unknown tools come back as error results; the
// tool itself is never invoked with arguments its schema rejects.
func (r *Registry) Execute(ctx context.Context, call providers.ToolCall) *Result {
	ctx, span := tracer.Start(ctx, "tool."+call.Name,
		trace.WithAttributes(attribute.String("tool.call_id", call.ID)))
	defer span.End()

	t, ok := r.tools[call.Name]
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown tool %q", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := r.schemas[call.Name].Validate(normalizeForSchema(args)); err != nil {
		return ErrorResult(fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err))
	}

	res, err := t.Execute(ctx, call.ID, args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("%s failed: %v", t.Label(), err))
	}
	if res == nil {
		res = NewResult("")
	}
	return res
}

// normalizeForSchema round-trips args through JSON so the validator sees
// the canonical interface{} shapes regardless of how the map was built.
func normalizeForSchema(args map[string]interface{}) interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}
