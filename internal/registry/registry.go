// Package registry holds the static table of downstream tools.
//
// The table is read-only after construction: lookups, parameter validation
// and category grouping never touch I/O.
package registry

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tools.yaml
var toolsYAML []byte

// Tool describes one downstream endpoint and its parameter schema.
type Tool struct {
	Name     string
	Endpoint string
	Method   string
	Required []string
	Optional []string
	Category string
}

// Registry maps tool names to their downstream endpoints.
type Registry struct {
	tools map[string]Tool
	names []string
}

type toolYAML struct {
	Endpoint string   `yaml:"endpoint"`
	Method   string   `yaml:"method"`
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

type fileYAML struct {
	Tools map[string]toolYAML `yaml:"tools"`
}

// Default returns the registry built from the embedded tool table.
// The embedded table is validated at build time by the package tests,
// so a parse failure here is a programming error.
func Default() *Registry {
	r, err := Parse(toolsYAML)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded tools.yaml invalid: %v", err))
	}
	return r
}

// Parse builds a registry from a YAML tool table.
func Parse(b []byte) (*Registry, error) {
	var f fileYAML
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("op=registry.Parse: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, fmt.Errorf("op=registry.Parse: no tools defined")
	}
	tools := make(map[string]Tool, len(f.Tools))
	names := make([]string, 0, len(f.Tools))
	for name, t := range f.Tools {
		method := strings.ToUpper(t.Method)
		if method == "" {
			method = "POST"
		}
		if t.Endpoint == "" {
			return nil, fmt.Errorf("op=registry.Parse: tool %s has no endpoint", name)
		}
		tools[name] = Tool{
			Name:     name,
			Endpoint: t.Endpoint,
			Method:   method,
			Required: t.Required,
			Optional: t.Optional,
			Category: categoryFor(name),
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{tools: tools, names: names}, nil
}

// Lookup returns the tool entry for name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Validate checks params against the tool's required set. A required
// parameter counts as missing when absent, nil, or an empty string.
func (r *Registry) Validate(name string, params map[string]any) (bool, []string) {
	t, ok := r.tools[name]
	if !ok {
		return false, nil
	}
	var missing []string
	for _, req := range t.Required {
		v, present := params[req]
		if !present || v == nil {
			missing = append(missing, req)
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			missing = append(missing, req)
		}
	}
	return len(missing) == 0, missing
}

// Names returns all tool names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ByCategory groups tool names by category, each group sorted.
func (r *Registry) ByCategory() map[string][]string {
	out := map[string][]string{}
	for _, name := range r.names {
		c := r.tools[name].Category
		out[c] = append(out[c], name)
	}
	return out
}

func categoryFor(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "linkedin") && strings.Contains(n, "company"):
		return "linkedin-companies"
	case strings.Contains(n, "linkedin") && (strings.Contains(n, "post") || strings.Contains(n, "comment") || strings.Contains(n, "reaction")):
		return "linkedin-posts"
	case strings.Contains(n, "linkedin"):
		return "linkedin-profiles"
	case strings.Contains(n, "instagram"):
		return "instagram"
	case strings.Contains(n, "twitter"):
		return "twitter"
	case strings.Contains(n, "reddit"):
		return "reddit"
	case strings.Contains(n, "sec"):
		return "sec"
	default:
		return "other"
	}
}
