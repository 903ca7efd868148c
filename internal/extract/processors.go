package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// ProcessorSpec names one processor and its arguments, for example
// {name: replace, old: "By ", new: ""}.
type ProcessorSpec struct {
	Name string         `mapstructure:"name" json:"name"`
	Args map[string]any `mapstructure:",remain" json:"args,omitempty"`
}

type processorFunc func(v any) (any, error)

type step struct {
	name string
	fn   processorFunc
}

// Pipeline applies processors left to right.
type Pipeline struct {
	steps  []step
	logger *zap.Logger
}

type processorFactory func(args map[string]any) (processorFunc, error)

var processorFactories = map[string]processorFactory{
	"strip":          func(map[string]any) (processorFunc, error) { return eachString(strings.TrimSpace), nil },
	"lowercase":      func(map[string]any) (processorFunc, error) { return eachString(strings.ToLower), nil },
	"replace":        newReplace,
	"regex":          newRegex,
	"cast":           newCast,
	"join":           newJoin,
	"default":        newDefault,
	"parse_datetime": newParseDatetime,
}

// NewPipeline compiles specs. Unknown processors are skipped with a
// warning; bad arguments to a known processor are a configuration error.
func NewPipeline(specs []ProcessorSpec, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{logger: logger}
	for _, spec := range specs {
		name := strings.ToLower(strings.TrimSpace(spec.Name))
		factory, ok := processorFactories[name]
		if !ok {
			logger.Warn("unknown processor skipped", zap.String("processor", spec.Name))
			continue
		}
		fn, err := factory(spec.Args)
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", name, err)
		}
		p.steps = append(p.steps, step{name: name, fn: fn})
	}
	return p, nil
}

// Apply runs every step. A failing step logs and yields nil, which a later
// default step can replace.
func (p *Pipeline) Apply(v any) any {
	if p == nil {
		return v
	}
	for _, s := range p.steps {
		out, err := s.fn(v)
		if err != nil {
			p.logger.Warn("processor failed", zap.String("processor", s.name), zap.Error(err))
			out = nil
		}
		v = out
	}
	return v
}

// eachString applies fn to a string or to every element of a list.
func eachString(fn func(string) string) processorFunc {
	return func(v any) (any, error) {
		return mapValue(v, func(s string) (any, error) { return fn(s), nil })
	}
}

func mapValue(v any, fn func(string) (any, error)) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			mapped, err := mapValue(item, fn)
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		}
		return out, nil
	case string:
		return fn(val)
	default:
		s, err := cast.ToStringE(val)
		if err != nil {
			return nil, err
		}
		return fn(s)
	}
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key]; ok {
		return cast.ToString(v)
	}
	return fallback
}

func newReplace(args map[string]any) (processorFunc, error) {
	old := stringArg(args, "old", "")
	if old == "" {
		return nil, fmt.Errorf("missing old")
	}
	repl := stringArg(args, "new", "")
	return eachString(func(s string) string { return strings.ReplaceAll(s, old, repl) }), nil
}

func newRegex(args map[string]any) (processorFunc, error) {
	re, err := regexp.Compile(stringArg(args, "pattern", ""))
	if err != nil {
		return nil, err
	}
	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	if raw, ok := args["group"]; ok {
		if group, err = cast.ToIntE(raw); err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
	}
	if group > re.NumSubexp() {
		return nil, fmt.Errorf("group %d out of range", group)
	}
	return func(v any) (any, error) {
		return mapValue(v, func(s string) (any, error) {
			m := re.FindStringSubmatch(s)
			if m == nil {
				return "", nil
			}
			return m[group], nil
		})
	}, nil
}

func newCast(args map[string]any) (processorFunc, error) {
	var conv func(string) (any, error)
	switch target := stringArg(args, "to", "string"); target {
	case "int":
		conv = func(s string) (any, error) { return cast.ToIntE(strings.TrimSpace(s)) }
	case "float":
		conv = func(s string) (any, error) { return cast.ToFloat64E(strings.TrimSpace(s)) }
	case "bool":
		conv = func(s string) (any, error) { return cast.ToBoolE(strings.TrimSpace(s)) }
	case "string":
		conv = func(s string) (any, error) { return s, nil }
	default:
		return nil, fmt.Errorf("unsupported cast target %q", target)
	}
	return func(v any) (any, error) { return mapValue(v, conv) }, nil
}

func newJoin(args map[string]any) (processorFunc, error) {
	sep := stringArg(args, "separator", " ")
	return func(v any) (any, error) {
		list, ok := v.([]any)
		if !ok {
			return v, nil
		}
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if s := cast.ToString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, sep), nil
	}, nil
}

func newDefault(args map[string]any) (processorFunc, error) {
	fallback, ok := args["value"]
	if !ok {
		return nil, fmt.Errorf("missing value")
	}
	return func(v any) (any, error) {
		if isEmpty(v) {
			return fallback, nil
		}
		return v, nil
	}, nil
}

func newParseDatetime(args map[string]any) (processorFunc, error) {
	layout := stringArg(args, "format", time.RFC3339)
	return func(v any) (any, error) {
		return mapValue(v, func(s string) (any, error) {
			s = strings.TrimSpace(s)
			if s == "" {
				return "", nil
			}
			t, err := dateparse.ParseAny(s)
			if err != nil {
				return nil, err
			}
			return t.Format(layout), nil
		})
	}, nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
