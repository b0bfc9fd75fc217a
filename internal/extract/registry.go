// Package extract implements the declarative template runtime: it evaluates
// versioned field definitions against fetched content and produces structured
// records or structured failures.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

// Transform is a pure value -> value function applied per field.
type Transform func(value string) (string, error)

// Validator inspects a final field value and returns a non-nil error when the
// value is unacceptable.
type Validator func(value string) error

// Postprocessor operates on the whole payload after per-field extraction.
type Postprocessor func(payload engine.Payload) (engine.Payload, error)

// Registry maps names to pure functions. New behaviors are added by
// registering a function, never by modifying the runtime's dispatch logic.
type Registry struct {
	transforms     map[string]func(arg string) (Transform, error)
	validators     map[string]func(arg string) (Validator, error)
	postprocessors map[string]Postprocessor
}

// NewRegistry returns a Registry loaded with the built-in transform,
// validator and postprocessor sets.
func NewRegistry() *Registry {
	r := &Registry{
		transforms:     make(map[string]func(string) (Transform, error)),
		validators:     make(map[string]func(string) (Validator, error)),
		postprocessors: make(map[string]Postprocessor),
	}
	registerBuiltins(r)
	return r
}

// RegisterTransform adds a named transform factory. The factory receives the
// optional argument from a "name:arg" spec.
func (r *Registry) RegisterTransform(name string, factory func(arg string) (Transform, error)) {
	r.transforms[name] = factory
}

// RegisterValidator adds a named validator factory.
func (r *Registry) RegisterValidator(name string, factory func(arg string) (Validator, error)) {
	r.validators[name] = factory
}

// RegisterPostprocessor adds a named payload postprocessor.
func (r *Registry) RegisterPostprocessor(name string, pp Postprocessor) {
	r.postprocessors[name] = pp
}

// Transform resolves a "name" or "name:arg" spec into a Transform.
func (r *Registry) Transform(spec string) (Transform, error) {
	name, arg := splitSpec(spec)
	factory, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return factory(arg)
}

// Validator resolves a "name" or "name:arg" spec into a Validator.
func (r *Registry) Validator(spec string) (Validator, error) {
	name, arg := splitSpec(spec)
	factory, ok := r.validators[name]
	if !ok {
		return nil, fmt.Errorf("unknown validator %q", name)
	}
	return factory(arg)
}

// Postprocessor resolves a postprocessor by name.
func (r *Registry) Postprocessor(name string) (Postprocessor, error) {
	pp, ok := r.postprocessors[name]
	if !ok {
		return nil, fmt.Errorf("unknown postprocessor %q", name)
	}
	return pp, nil
}

func splitSpec(spec string) (name, arg string) {
	if i := strings.Index(spec, ":"); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// dateLayouts tried by parse_date when no explicit layout is given.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02 Jan 2006",
	"January 2, 2006",
	"01/02/2006",
}

func registerBuiltins(r *Registry) {
	noArg := func(fn func(string) (string, error)) func(string) (Transform, error) {
		return func(string) (Transform, error) { return fn, nil }
	}

	r.RegisterTransform("trim", noArg(func(v string) (string, error) {
		return strings.TrimSpace(v), nil
	}))
	r.RegisterTransform("normalize_whitespace", noArg(func(v string) (string, error) {
		return strings.TrimSpace(whitespaceRun.ReplaceAllString(v, " ")), nil
	}))
	r.RegisterTransform("lowercase", noArg(func(v string) (string, error) {
		return strings.ToLower(v), nil
	}))
	r.RegisterTransform("uppercase", noArg(func(v string) (string, error) {
		return strings.ToUpper(v), nil
	}))
	r.RegisterTransform("regex", func(arg string) (Transform, error) {
		if arg == "" {
			return nil, fmt.Errorf("regex transform requires a pattern argument")
		}
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("compile regex transform: %w", err)
		}
		return func(v string) (string, error) {
			m := re.FindStringSubmatch(v)
			switch {
			case m == nil:
				return "", fmt.Errorf("regex %q matched nothing", arg)
			case len(m) > 1:
				return m[1], nil
			default:
				return m[0], nil
			}
		}, nil
	})
	r.RegisterTransform("parse_date", func(arg string) (Transform, error) {
		return func(v string) (string, error) {
			v = strings.TrimSpace(v)
			layouts := dateLayouts
			if arg != "" {
				layouts = []string{arg}
			}
			for _, layout := range layouts {
				if ts, err := time.Parse(layout, v); err == nil {
					return ts.UTC().Format(time.RFC3339), nil
				}
			}
			return "", fmt.Errorf("unparseable date %q", v)
		}, nil
	})
	r.RegisterTransform("map", func(arg string) (Transform, error) {
		if arg == "" {
			return nil, fmt.Errorf("map transform requires from=to pairs")
		}
		table := make(map[string]string)
		for _, pair := range strings.Split(arg, "|") {
			from, to, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("malformed map pair %q", pair)
			}
			table[from] = to
		}
		return func(v string) (string, error) {
			if mapped, ok := table[v]; ok {
				return mapped, nil
			}
			return v, nil
		}, nil
	})

	r.RegisterValidator("not_empty", func(string) (Validator, error) {
		return func(v string) error {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("value is empty")
			}
			return nil
		}, nil
	})
	r.RegisterValidator("numeric", func(string) (Validator, error) {
		return func(v string) error {
			if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
				return fmt.Errorf("value %q is not numeric", v)
			}
			return nil
		}, nil
	})
	r.RegisterValidator("url", func(string) (Validator, error) {
		return func(v string) error {
			u, err := url.Parse(v)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("value %q is not an absolute url", v)
			}
			return nil
		}, nil
	})
	r.RegisterValidator("min_length", lengthValidator(func(n, l int) bool { return l >= n }, "shorter than"))
	r.RegisterValidator("max_length", lengthValidator(func(n, l int) bool { return l <= n }, "longer than"))
	r.RegisterValidator("matches", func(arg string) (Validator, error) {
		if arg == "" {
			return nil, fmt.Errorf("matches validator requires a pattern argument")
		}
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("compile matches validator: %w", err)
		}
		return func(v string) error {
			if !re.MatchString(v) {
				return fmt.Errorf("value %q does not match %q", v, arg)
			}
			return nil
		}, nil
	})

	r.RegisterPostprocessor("drop_empty", func(payload engine.Payload) (engine.Payload, error) {
		kept := payload[:0]
		for _, fv := range payload {
			if !fv.Multi && strings.TrimSpace(fv.Value) == "" {
				continue
			}
			if fv.Multi && len(fv.Values) == 0 {
				continue
			}
			kept = append(kept, fv)
		}
		return kept, nil
	})
	r.RegisterPostprocessor("dedupe_values", func(payload engine.Payload) (engine.Payload, error) {
		for i, fv := range payload {
			if !fv.Multi {
				continue
			}
			seen := make(map[string]struct{}, len(fv.Values))
			kept := fv.Values[:0]
			for _, v := range fv.Values {
				if _, dup := seen[v]; dup {
					continue
				}
				seen[v] = struct{}{}
				kept = append(kept, v)
			}
			payload[i].Values = kept
		}
		return payload, nil
	})
}

func lengthValidator(ok func(n, l int) bool, verb string) func(string) (Validator, error) {
	return func(arg string) (Validator, error) {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("length validator requires an integer argument: %w", err)
		}
		return func(v string) error {
			if !ok(n, len(v)) {
				return fmt.Errorf("value is %s %d characters", verb, n)
			}
			return nil
		}, nil
	}
}
