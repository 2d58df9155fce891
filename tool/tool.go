// Package tool implements the tool subsystem of the gateway: the closed
// registry of callable backend operations, structural validation of tool
// arguments against declared schemas, and HTTP dispatch to the owning
// backend service. Criticality gating itself lives in the confirm package;
// the registry only carries the flag.
package tool

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownTool is returned when a requested tool has no registry entry.
var ErrUnknownTool = errors.New("unknown tool")

// FieldSchema declares the accepted shape of a single tool parameter, as read
// from the tool definition file.
type FieldSchema struct {
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`

	re *regexp.Regexp // compiled at registry load
}

// Route maps a tool onto its backend service endpoint. Path templates use
// {param} placeholders substituted from the tool arguments; Service is the
// key into the configured backend base URLs. An empty Service marks a
// gateway-level tool handled inside the agent (e.g. escalate).
type Route struct {
	Service string
	Method  string
	Path    string
}

// Definition is the static description of one tool: identity, criticality,
// parameter schema and backend route. Definitions are loaded once at startup
// and read-only thereafter.
type Definition struct {
	Name     string
	Critical bool
	Params   map[string]FieldSchema
	Route    Route
}

// GatewayLevel reports whether the tool is executed inside the gateway
// instead of being dispatched to a backend.
func (d Definition) GatewayLevel() bool { return d.Route.Service == "" }

// JSONSchema renders the parameter schema as a minimal JSON-Schema object for
// provider tool declarations.
func (d Definition) JSONSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, name := range sortedFields(d.Params) {
		fs := d.Params[name]
		prop := map[string]any{"type": fs.Type}
		if len(fs.Enum) > 0 {
			prop["enum"] = fs.Enum
		}
		if fs.Pattern != "" {
			prop["pattern"] = fs.Pattern
		}
		properties[name] = prop
		if fs.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry is the closed, name-keyed set of tool definitions. It is built at
// startup and never mutated afterwards, so lookups need no locking.
type Registry struct {
	defs map[string]Definition
}

// definitionFile mirrors the tool definition file layout:
// {"tools": {name: {"critical": bool, "params": {field: {...}}}}}.
type definitionFile struct {
	Tools map[string]struct {
		Critical bool                   `json:"critical"`
		Params   map[string]FieldSchema `json:"params,omitempty"`
	} `json:"tools"`
}

// LoadRegistry builds the registry by merging the static route table with the
// criticality/schema entries of the tool definition file. Tools routed but
// absent from the file default to non-critical with no schema. Patterns are
// compiled here; an invalid pattern is a startup error.
func LoadRegistry(path string) (*Registry, error) {
	var file definitionFile
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read tool definitions %s", path)
		}
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, errors.Wrapf(err, "parse tool definitions %s", path)
		}
	}

	defs := make(map[string]Definition, len(backendRoutes)+len(gatewayTools))
	for name, route := range backendRoutes {
		defs[name] = Definition{Name: name, Route: route}
	}
	for _, name := range gatewayTools {
		defs[name] = Definition{Name: name}
	}

	for name, entry := range file.Tools {
		def, ok := defs[name]
		if !ok {
			def = Definition{Name: name}
		}
		def.Critical = entry.Critical
		def.Params = entry.Params
		for field, fs := range def.Params {
			if fs.Pattern == "" {
				continue
			}
			re, err := regexp.Compile(fs.Pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "tool %s field %s: invalid pattern", name, field)
			}
			fs.re = re
			def.Params[field] = fs
		}
		defs[name] = def
	}

	return &Registry{defs: defs}, nil
}

// NewRegistry builds a registry directly from definitions, compiling any
// patterns. Intended for tests and embedded setups.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		for field, fs := range def.Params {
			if fs.Pattern == "" {
				continue
			}
			re, err := regexp.Compile(fs.Pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "tool %s field %s: invalid pattern", def.Name, field)
			}
			fs.re = re
			def.Params[field] = fs
		}
		r.defs[def.Name] = def
	}
	return r, nil
}

// Lookup returns the definition for name or ErrUnknownTool.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, errors.Wrap(ErrUnknownTool, name)
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedFields(params map[string]FieldSchema) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DispatchError reports a backend failure for a single tool call. It is a
// tool-level result, never a loop-level abort.
type DispatchError struct {
	Tool string
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("tool %s: dispatch failed: %v", e.Tool, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
