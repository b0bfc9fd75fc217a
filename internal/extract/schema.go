package extract

import (
	"fmt"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"
	"gopkg.in/yaml.v3"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// ParseTemplate decodes a template DSL document (YAML, of which JSON is a
// subset) into a Template. The result still needs Validate before it may be
// activated.
func ParseTemplate(doc []byte) (engine.Template, error) {
	var tpl engine.Template
	if err := yaml.Unmarshal(doc, &tpl); err != nil {
		return engine.Template{}, fmt.Errorf("decode template document: %w", err)
	}
	return tpl, nil
}

// Validate checks a template against the DSL schema: identity, version,
// field shape, selector syntax, and that every named transform, validator
// and postprocessor resolves in the registry. Invalid templates are rejected
// at activation time, never at extraction time.
func Validate(tpl engine.Template, registry *Registry) error {
	if tpl.ID == "" {
		return fmt.Errorf("template_id is required")
	}
	if tpl.Version < 1 {
		return fmt.Errorf("version must be a positive integer")
	}
	if len(tpl.Fields) == 0 {
		return fmt.Errorf("template must define at least one field")
	}

	names := make(map[string]struct{}, len(tpl.Fields))
	for i, field := range tpl.Fields {
		if field.Name == "" {
			return fmt.Errorf("fields[%d]: name is required", i)
		}
		if _, dup := names[field.Name]; dup {
			return fmt.Errorf("fields[%d]: duplicate field name %q", i, field.Name)
		}
		names[field.Name] = struct{}{}

		if field.Selector == "" {
			return fmt.Errorf("field %q: selector is required", field.Name)
		}
		switch field.Kind {
		case engine.SelectorCSS:
			if _, err := cascadia.Compile(field.Selector); err != nil {
				return fmt.Errorf("field %q: invalid css selector: %w", field.Name, err)
			}
		case engine.SelectorXPath:
			if _, err := xpath.Compile(field.Selector); err != nil {
				return fmt.Errorf("field %q: invalid xpath: %w", field.Name, err)
			}
		default:
			return fmt.Errorf("field %q: selector_kind must be css or xpath", field.Name)
		}

		for _, spec := range field.Transforms {
			if _, err := registry.Transform(spec); err != nil {
				return fmt.Errorf("field %q: %w", field.Name, err)
			}
		}
		for _, spec := range field.Validators {
			if _, err := registry.Validator(spec); err != nil {
				return fmt.Errorf("field %q: %w", field.Name, err)
			}
		}
	}

	for _, name := range tpl.Postprocessors {
		if _, err := registry.Postprocessor(name); err != nil {
			return err
		}
	}
	return nil
}
