package template

import "testing"

func TestRender(t *testing.T) {
	r := NewRenderer()

	tests := []struct {
		name         string
		source       string
		replacements map[string]string
		want         string
		wantErr      bool
	}{
		{
			name:         "single placeholder",
			source:       "<p>Hello {{ name }}</p>",
			replacements: map[string]string{"name": "Alice"},
			want:         "<p>Hello Alice</p>",
		},
		{
			name:         "multiple placeholders",
			source:       "{{ greeting }}, {{ name }}!",
			replacements: map[string]string{"greeting": "Hi", "name": "Bob"},
			want:         "Hi, Bob!",
		},
		{
			name:         "missing replacement renders empty",
			source:       "Hello {{ name }}",
			replacements: map[string]string{},
			want:         "Hello ",
		},
		{
			name:         "no placeholders",
			source:       "<p>static body</p>",
			replacements: map[string]string{"name": "unused"},
			want:         "<p>static body</p>",
		},
		{
			name:         "malformed template",
			source:       "Hello {% if %}",
			replacements: map[string]string{"name": "x"},
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.source, tt.replacements)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Render() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Rendering the same source with the same replacement map must yield
// byte-identical output.
func TestRenderIsIdempotent(t *testing.T) {
	r := NewRenderer()
	source := "<p>Hello {{ name }}, your code is {{ code }}</p>"
	replacements := map[string]string{"name": "Alice", "code": "1234"}

	first, err := r.Render(source, replacements)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		got, err := r.Render(source, replacements)
		if err != nil {
			t.Fatalf("Render() error on pass %d = %v", i, err)
		}
		if got != first {
			t.Fatalf("Render() pass %d = %q, want %q", i, got, first)
		}
	}
}

func TestRenderReusesCachedTemplate(t *testing.T) {
	r := NewRenderer()
	source := "Hello {{ name }}"

	if _, err := r.Render(source, map[string]string{"name": "first"}); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if _, ok := r.cache.Load(source); !ok {
		t.Error("compiled template was not cached")
	}

	got, err := r.Render(source, map[string]string{"name": "second"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != "Hello second" {
		t.Errorf("Render() from cache = %q, want %q", got, "Hello second")
	}
}
