package providers

import (
	"fmt"
	"strings"
)

// ModelSpec is a fully qualified "provider:model" reference.
type ModelSpec struct {
	Provider string
	Model    string
}

func (s ModelSpec) String() string {
	return s.Provider + ":" + s.Model
}

// ParseModelSpec splits a "provider:model" string. Bare model names are a
// configuration error: every model reference in config and @overrides must
// name its provider explicitly.
func ParseModelSpec(spec string) (ModelSpec, error) {
	provider, model, ok := strings.Cut(spec, ":")
	if !ok || provider == "" || model == "" {
		return ModelSpec{}, fmt.Errorf("model spec %q must be of the form provider:model", spec)
	}
	return ModelSpec{Provider: provider, Model: model}, nil
}
