package engine

import "time"

// SelectorKind identifies the query language a field selector is written in.
type SelectorKind string

// Supported selector kinds.
const (
	SelectorCSS   SelectorKind = "css"
	SelectorXPath SelectorKind = "xpath"
)

// TemplateStatus tracks the publication state of a template version.
type TemplateStatus string

// Template status values. An active version is immutable; edits create a new
// version.
const (
	TemplateStatusDraft      TemplateStatus = "draft"
	TemplateStatusActive     TemplateStatus = "active"
	TemplateStatusDeprecated TemplateStatus = "deprecated"
	TemplateStatusArchived   TemplateStatus = "archived"
)

// TemplateField is one ordered field definition inside a template.
// Transforms and validators name entries in the extraction runtime's
// registries; an entry may carry an argument as "name:arg".
type TemplateField struct {
	Name       string       `json:"name" yaml:"name"`
	Selector   string       `json:"selector" yaml:"selector"`
	Kind       SelectorKind `json:"selector_kind" yaml:"selector_kind"`
	Attribute  string       `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Multi      bool         `json:"multi,omitempty" yaml:"multi,omitempty"`
	Required   bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Transforms []string     `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Validators []string     `json:"validators,omitempty" yaml:"validators,omitempty"`
}

// Template is a versioned, declarative extraction specification.
type Template struct {
	ID             string          `json:"template_id" yaml:"template_id"`
	Version        int             `json:"version" yaml:"version"`
	Status         TemplateStatus  `json:"status" yaml:"status"`
	Fields         []TemplateField `json:"fields" yaml:"fields"`
	Postprocessors []string        `json:"postprocessors,omitempty" yaml:"postprocessors,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitempty" yaml:"-"`
}

// IssueSeverity grades extraction issues.
type IssueSeverity string

// Issue severities.
const (
	SeverityWarning  IssueSeverity = "warning"
	SeverityError    IssueSeverity = "error"
	SeverityCritical IssueSeverity = "critical"
)

// Well-known issue rules recorded by the extraction runtime.
const (
	RuleRequired  = "required"
	RuleTransform = "transform"
	RuleValidate  = "validate"
)

// FieldIssue records one extraction problem without aborting the record.
type FieldIssue struct {
	Field    string        `json:"field"`
	Rule     string        `json:"rule"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message,omitempty"`
}

// FieldValue is one extracted field. Multi fields carry Values, scalar fields
// carry Value. Order within a payload follows template declaration order.
type FieldValue struct {
	Name   string   `json:"name"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	Multi  bool     `json:"multi,omitempty"`
}

// Payload is the ordered set of extracted fields.
type Payload []FieldValue

// Get returns the field with the given name.
func (p Payload) Get(name string) (FieldValue, bool) {
	for _, fv := range p {
		if fv.Name == name {
			return fv, true
		}
	}
	return FieldValue{}, false
}

// ExtractionResult is the write-once output of one extraction run.
type ExtractionResult struct {
	URL             string       `json:"url"`
	TemplateID      string       `json:"template_id"`
	TemplateVersion int          `json:"template_version"`
	Payload         Payload      `json:"payload"`
	Issues          []FieldIssue `json:"issues,omitempty"`
	Fingerprint     string       `json:"fingerprint"`
	Success         bool         `json:"success"`
	ExtractedAt     time.Time    `json:"extracted_at"`
}
