package template

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// templatesFile is the YAML shape for operator-supplied extra templates.
type templatesFile struct {
	Templates []*Template `yaml:"templates"`
}

// LoadFile registers extra templates from a YAML file. Each template passes
// the same validation as built-ins; an id collision with an existing
// template is an error, since templates are immutable once registered.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("template: read %s: %w", path, err)
	}
	var file templatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("template: parse %s: %w", path, err)
	}
	for _, t := range file.Templates {
		if t == nil {
			continue
		}
		if err := r.Register(t); err != nil {
			return fmt.Errorf("template: %s: %w", path, err)
		}
	}
	return nil
}
