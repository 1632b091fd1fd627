package registry

import (
	"sort"
	"testing"
)

func TestDefault_LoadsEmbeddedCatalog(t *testing.T) {
	r := Default()
	names := r.Names()
	if len(names) == 0 {
		t.Fatalf("expected embedded catalog to contain tools")
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("Names() should be sorted, got %v", names)
	}
}

func TestLookup(t *testing.T) {
	r := Default()
	tool, ok := r.Lookup("get_linkedin_profile")
	if !ok {
		t.Fatalf("expected get_linkedin_profile to exist")
	}
	if tool.Endpoint != "/api/linkedin/profile" {
		t.Fatalf("unexpected endpoint %q", tool.Endpoint)
	}
	if tool.Method != "POST" {
		t.Fatalf("unexpected method %q", tool.Method)
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Fatalf("unknown tool should not resolve")
	}
}

func TestValidate(t *testing.T) {
	r := Default()

	tests := []struct {
		name    string
		params  map[string]any
		valid   bool
		missing []string
	}{
		{"all present", map[string]any{"user": "https://linkedin.com/in/x"}, true, nil},
		{"nil params", nil, false, []string{"user"}},
		{"absent key", map[string]any{"other": 1}, false, []string{"user"}},
		{"nil value", map[string]any{"user": nil}, false, []string{"user"}},
		{"empty string", map[string]any{"user": ""}, false, []string{"user"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, missing := r.Validate("get_linkedin_profile", tt.params)
			if valid != tt.valid {
				t.Fatalf("valid = %v, want %v", valid, tt.valid)
			}
			if len(missing) != len(tt.missing) {
				t.Fatalf("missing = %v, want %v", missing, tt.missing)
			}
		})
	}
}

func TestValidate_UnknownTool(t *testing.T) {
	r := Default()
	valid, _ := r.Validate("nope", map[string]any{})
	if valid {
		t.Fatalf("unknown tool should not validate")
	}
}

func TestByCategory(t *testing.T) {
	r := Default()
	cats := r.ByCategory()
	if len(cats["linkedin-profiles"]) == 0 {
		t.Fatalf("expected linkedin-profiles category to be populated, got %v", cats)
	}
	total := 0
	for _, tools := range cats {
		total += len(tools)
	}
	if total != len(r.Names()) {
		t.Fatalf("categories cover %d tools, catalog has %d", total, len(r.Names()))
	}
}

func TestParse_CategoryAssignment(t *testing.T) {
	src := []byte(`
tools:
  get_linkedin_company:
    endpoint: /api/linkedin/company
    method: POST
    required: [company]
  get_linkedin_post_comments:
    endpoint: /api/linkedin/post/comments
    method: POST
    required: [post]
  get_weather:
    endpoint: /api/weather
    method: POST
    required: [city]
`)
	r, err := Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{
		"get_linkedin_company":       "linkedin-companies",
		"get_linkedin_post_comments": "linkedin-posts",
		"get_weather":                "other",
	}
	for name, cat := range want {
		tool, ok := r.Lookup(name)
		if !ok {
			t.Fatalf("tool %s missing", name)
		}
		if tool.Category != cat {
			t.Fatalf("tool %s category = %q, want %q", name, tool.Category, cat)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("not: [valid")); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Parse([]byte("tools: {}")); err == nil {
		t.Fatalf("expected error for empty catalog")
	}
}
