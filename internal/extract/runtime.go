package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
)

// Runtime evaluates templates against fetched content. Extraction is
// deterministic: identical content and template version produce identical
// payloads and fingerprints.
type Runtime struct {
	registry *Registry
	hasher   engine.Hasher
	clock    engine.Clock
	metrics  *metrics.Metrics
}

// NewRuntime constructs a Runtime.
func NewRuntime(registry *Registry, hasher engine.Hasher, clock engine.Clock, m *metrics.Metrics) *Runtime {
	return &Runtime{
		registry: registry,
		hasher:   hasher,
		clock:    clock,
		metrics:  m,
	}
}

// Extract evaluates every field of the template, in declaration order,
// against the content. Missing required fields record a critical issue and
// clear the success flag, but extraction continues: partial results are
// preserved, never aborted.
func (rt *Runtime) Extract(content engine.FetchContent, tpl engine.Template) (engine.ExtractionResult, error) {
	result := engine.ExtractionResult{
		URL:             content.URL,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Success:         true,
		ExtractedAt:     rt.clock.Now(),
	}

	root, err := html.Parse(bytes.NewReader(content.Body))
	if err != nil {
		return engine.ExtractionResult{}, fmt.Errorf("parse document: %w", err)
	}

	for _, field := range tpl.Fields {
		fv, issues := rt.extractField(root, field)
		result.Issues = append(result.Issues, issues...)
		for _, issue := range issues {
			rt.metrics.ObserveIssue(issue.Rule, string(issue.Severity))
			if issue.Severity == engine.SeverityCritical {
				result.Success = false
			}
		}
		if fv != nil {
			result.Payload = append(result.Payload, *fv)
		}
	}

	for _, name := range tpl.Postprocessors {
		pp, ppErr := rt.registry.Postprocessor(name)
		if ppErr != nil {
			result.Issues = append(result.Issues, engine.FieldIssue{
				Rule: engine.RuleTransform, Severity: engine.SeverityError, Message: ppErr.Error(),
			})
			continue
		}
		processed, ppErr := pp(result.Payload)
		if ppErr != nil {
			result.Issues = append(result.Issues, engine.FieldIssue{
				Rule: engine.RuleTransform, Severity: engine.SeverityError,
				Message: fmt.Sprintf("postprocessor %s: %v", name, ppErr),
			})
			continue
		}
		result.Payload = processed
	}

	fingerprint, err := rt.fingerprint(result.Payload)
	if err != nil {
		return engine.ExtractionResult{}, fmt.Errorf("fingerprint payload: %w", err)
	}
	result.Fingerprint = fingerprint
	return result, nil
}

// extractField returns the extracted value (nil when absent) and any issues.
func (rt *Runtime) extractField(root *html.Node, field engine.TemplateField) (*engine.FieldValue, []engine.FieldIssue) {
	values, err := selectValues(root, field)
	if err != nil {
		return nil, []engine.FieldIssue{{
			Field: field.Name, Rule: engine.RuleTransform,
			Severity: engine.SeverityError,
			Message:  fmt.Sprintf("selector: %v", err),
		}}
	}

	if len(values) == 0 {
		if field.Required {
			return nil, []engine.FieldIssue{{
				Field: field.Name, Rule: engine.RuleRequired,
				Severity: engine.SeverityCritical,
				Message:  "required field matched nothing",
			}}
		}
		return nil, nil
	}

	var issues []engine.FieldIssue
	for _, spec := range field.Transforms {
		transform, tErr := rt.registry.Transform(spec)
		if tErr != nil {
			issues = append(issues, transformIssue(field.Name, tErr))
			continue
		}
		next := make([]string, len(values))
		failed := false
		for i, v := range values {
			out, applyErr := transform(v)
			if applyErr != nil {
				issues = append(issues, transformIssue(field.Name, fmt.Errorf("%s: %w", spec, applyErr)))
				failed = true
				break
			}
			next[i] = out
		}
		if failed {
			// The failing transform and everything after it are skipped;
			// the last good value is kept.
			break
		}
		values = next
	}

	for _, spec := range field.Validators {
		validator, vErr := rt.registry.Validator(spec)
		if vErr != nil {
			issues = append(issues, engine.FieldIssue{
				Field: field.Name, Rule: engine.RuleValidate,
				Severity: engine.SeverityError, Message: vErr.Error(),
			})
			continue
		}
		for _, v := range values {
			if valErr := validator(v); valErr != nil {
				issues = append(issues, engine.FieldIssue{
					Field: field.Name, Rule: spec,
					Severity: engine.SeverityError, Message: valErr.Error(),
				})
			}
		}
	}

	fv := &engine.FieldValue{Name: field.Name, Multi: field.Multi}
	if field.Multi {
		fv.Values = values
	} else {
		fv.Value = values[0]
	}
	return fv, issues
}

func transformIssue(field string, err error) engine.FieldIssue {
	return engine.FieldIssue{
		Field: field, Rule: engine.RuleTransform,
		Severity: engine.SeverityError, Message: err.Error(),
	}
}

// selectValues evaluates the field selector against the parsed document.
func selectValues(root *html.Node, field engine.TemplateField) ([]string, error) {
	var nodes []*html.Node
	switch field.Kind {
	case engine.SelectorCSS:
		sel, err := cascadia.Compile(field.Selector)
		if err != nil {
			return nil, fmt.Errorf("compile css selector %q: %w", field.Selector, err)
		}
		nodes = cascadia.QueryAll(root, sel)
	case engine.SelectorXPath:
		var err error
		nodes, err = htmlquery.QueryAll(root, field.Selector)
		if err != nil {
			return nil, fmt.Errorf("evaluate xpath %q: %w", field.Selector, err)
		}
	default:
		return nil, fmt.Errorf("unsupported selector kind %q", field.Kind)
	}

	if !field.Multi && len(nodes) > 1 {
		nodes = nodes[:1]
	}

	values := make([]string, 0, len(nodes))
	for _, n := range nodes {
		values = append(values, nodeValue(n, field.Attribute))
	}
	return values, nil
}

func nodeValue(n *html.Node, attribute string) string {
	if attribute != "" {
		return htmlquery.SelectAttr(n, attribute)
	}
	return strings.TrimSpace(htmlquery.InnerText(n))
}

// fingerprint hashes a canonical serialization of the payload so unchanged
// results can be detected across runs.
func (rt *Runtime) fingerprint(payload engine.Payload) (string, error) {
	var b strings.Builder
	for _, fv := range payload {
		b.WriteString(fv.Name)
		b.WriteByte(0)
		if fv.Multi {
			b.WriteString(strings.Join(fv.Values, "\x1f"))
		} else {
			b.WriteString(fv.Value)
		}
		b.WriteByte('\n')
	}
	digest, err := rt.hasher.Hash([]byte(b.String()))
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return digest, nil
}
