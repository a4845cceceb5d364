// Package tools defines the callable tools the agent can offer to a
// model and executes their invocations. Every tool declares a JSON
// Schema for its arguments; Execute validates arguments against that
// schema before the handler runs, so handlers only ever see shapes
// they asked for.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/reeveworks/reeve-agent/internal/llm"
)

// Tool is a single callable capability.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema describing the arguments object.
	Parameters map[string]any
	Handler    func(ctx context.Context, args map[string]any) (string, error)

	schema *gojsonschema.Schema
}

// Registry holds the tools available to the agent. A Registry is built
// once at startup and then only read, so no locking.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool, compiling its parameter schema. Registering a
// second tool under the same name replaces the first.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	if t.Parameters != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters))
		if err != nil {
			return fmt.Errorf("tool %q parameter schema: %w", t.Name, err)
		}
		t.schema = schema
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// AllToolNames returns the sorted names of every registered tool.
func (r *Registry) AllToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns the registered tools as model-facing definitions,
// sorted by name so the offered list is stable across turns.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, name := range r.AllToolNames() {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// FilteredCopy returns a registry holding only the named tools. Names
// that are not registered are skipped. The tools themselves are
// shared, not copied.
func (r *Registry) FilteredCopy(include []string) *Registry {
	out := &Registry{tools: make(map[string]*Tool), logger: r.logger}
	for _, name := range include {
		if t, ok := r.tools[name]; ok {
			out.tools[name] = t
		}
	}
	return out
}

// FilteredCopyExcluding returns a registry with the named tools
// removed.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	out := &Registry{tools: make(map[string]*Tool), logger: r.logger}
	for name, t := range r.tools {
		if !slices.Contains(exclude, name) {
			out.tools[name] = t
		}
	}
	return out
}

// Execute runs a tool by name. argsJSON must be a JSON object; it is
// checked against the tool's parameter schema before the handler is
// invoked. An unknown name returns ErrToolUnavailable so callers can
// tell a capability mismatch from an execution failure.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	if strings.TrimSpace(argsJSON) == "" {
		argsJSON = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	if tool.schema != nil {
		verdict, err := tool.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return "", fmt.Errorf("validate arguments: %w", err)
		}
		if !verdict.Valid() {
			return "", fmt.Errorf("invalid arguments: %s", describeViolations(verdict.Errors()))
		}
	}

	r.logger.Debug("executing tool", "tool", name)
	return tool.Handler(ctx, args)
}

func describeViolations(errs []gojsonschema.ResultError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
