// Package template renders per-recipient email bodies by substituting named
// placeholders ({{ name }}) with recipient-specific replacement values.
package template

import (
	"sync"

	"github.com/osteele/liquid"
)

// Renderer wraps a Liquid engine with a compiled-template cache so the same
// body is parsed once per process regardless of recipient count.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{
		engine: liquid.NewEngine(),
	}
}

// Render substitutes the replacement values into the source template and
// returns the result. Rendering the same source with the same replacements
// always yields identical output.
func (r *Renderer) Render(source string, replacements map[string]string) (string, error) {
	tpl, err := r.parse(source)
	if err != nil {
		return "", err
	}

	bindings := make(map[string]any, len(replacements))
	for name, value := range replacements {
		bindings[name] = value
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}

	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}

	r.cache.Store(source, tpl)
	return tpl, nil
}
