package algorithm

import (
	"fmt"
	"math"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/crucible/internal/model"
)

// ValidateDefinition checks that a parameter definition is well formed and
// normalizes its default, bounds and options in place. Enum parameters
// without a default take their first option.
func ValidateDefinition(p *model.ParameterDef) error {
	var errs *multierror.Error
	field := func(format string, args ...any) {
		errs = multierror.Append(errs, &model.FieldError{
			Field:   "parameters." + p.Name,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if p.Name == "" {
		return &model.FieldError{Field: "parameters", Message: "parameter name is required"}
	}
	elem := model.ElementType(p.Type)
	if elem == "" {
		field("unknown type %q", p.Type)
		return errs.ErrorOrNil()
	}

	switch {
	case model.IsRange(p.Type):
		bounds := map[string]*any{"min": &p.Min, "max": &p.Max, "step": &p.Step}
		for _, name := range []string{"min", "max", "step"} {
			ptr := bounds[name]
			if *ptr == nil {
				field("%s is required for %s", name, p.Type)
				continue
			}
			v, err := normalizeScalar(elem, *ptr)
			if err != nil {
				field("%s: %v", name, err)
				continue
			}
			*ptr = v
		}
		if errs != nil {
			return errs.ErrorOrNil()
		}
		if toFloat(p.Min) >= toFloat(p.Max) {
			field("min must be less than max")
		}
		if toFloat(p.Step) <= 0 {
			field("step must be positive")
		}
		def, err := normalizeScalar(elem, p.Default)
		if err != nil {
			field("default: %v", err)
			break
		}
		p.Default = def
		if f := toFloat(def); f < toFloat(p.Min) || f > toFloat(p.Max) {
			field("default %v outside [%v, %v]", def, p.Min, p.Max)
		}

	case model.IsEnum(p.Type):
		if len(p.Options) == 0 {
			field("options are required for %s", p.Type)
			break
		}
		for i, o := range p.Options {
			v, err := normalizeScalar(elem, o)
			if err != nil {
				field("option %d: %v", i, err)
				continue
			}
			p.Options[i] = v
		}
		if p.Default == nil {
			p.Default = p.Options[0]
			break
		}
		def, err := normalizeScalar(elem, p.Default)
		if err != nil {
			field("default: %v", err)
			break
		}
		p.Default = def
		if !slices.Contains(p.Options, def) {
			field("default %v is not one of the options", def)
		}

	case model.IsList(p.Type):
		def, err := normalizeList(elem, p.Default)
		if err != nil {
			field("default: %v", err)
			break
		}
		p.Default = def

	default:
		def, err := normalizeScalar(elem, p.Default)
		if err != nil {
			field("default: %v", err)
			break
		}
		p.Default = def
	}
	return errs.ErrorOrNil()
}

// ValidateParams checks the caller's parameter values against defs and
// returns the complete parameter map with defaults filled in. Unknown names,
// wrong types, out of range values, non-members and overrides of
// non-adjustable parameters yield a ValidationError.
func ValidateParams(defs []model.ParameterDef, given map[string]any) (model.Params, error) {
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}
	names := make([]string, 0, len(given))
	for name := range given {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if !known[name] {
			return nil, &model.ValidationError{Param: name, Message: "unknown parameter"}
		}
	}

	out := make(model.Params, len(defs))
	for _, d := range defs {
		// Stored descriptors come back from JSON with float64 numbers and
		// []any lists, so definitions are normalized on a private copy.
		d.Options = slices.Clone(d.Options)
		if err := ValidateDefinition(&d); err != nil {
			return nil, fmt.Errorf("parameter definition %q: %w", d.Name, err)
		}
		raw, ok := given[d.Name]
		if !ok || raw == nil {
			out[d.Name] = d.Default
			continue
		}
		v, err := checkValue(d, raw)
		if err != nil {
			return nil, &model.ValidationError{Param: d.Name, Message: err.Error()}
		}
		if !d.IsAdjustable() && !equalValue(v, d.Default) {
			return nil, &model.ValidationError{Param: d.Name, Message: "parameter is not adjustable"}
		}
		out[d.Name] = v
	}
	return out, nil
}

func checkValue(d model.ParameterDef, raw any) (any, error) {
	elem := model.ElementType(d.Type)
	if model.IsList(d.Type) {
		return normalizeList(elem, raw)
	}
	v, err := normalizeScalar(elem, raw)
	if err != nil {
		return nil, err
	}
	switch {
	case model.IsRange(d.Type):
		if f := toFloat(v); f < toFloat(d.Min) || f > toFloat(d.Max) {
			return nil, fmt.Errorf("value %v outside [%v, %v]", v, d.Min, d.Max)
		}
	case model.IsEnum(d.Type):
		if !slices.Contains(d.Options, v) {
			return nil, fmt.Errorf("value %v is not one of %v", v, d.Options)
		}
	}
	return v, nil
}

// normalizeScalar converts v to the canonical Go type for elem. Integral
// float64 values are accepted as ints because JSON decodes every number as
// float64.
func normalizeScalar(elem string, v any) (any, error) {
	switch elem {
	case model.ParamString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case model.ParamBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case model.ParamInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("%v is not an integer", n)
			}
			// 2^63 itself is representable as a float64 but not as an int64.
			if n < math.MinInt64 || n >= math.MaxInt64 {
				return nil, fmt.Errorf("%v is out of integer range", n)
			}
			return int64(n), nil
		}
	case model.ParamFloat:
		switch n := v.(type) {
		case float64:
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("%v is not a finite number", n)
			}
			return n, nil
		case float32:
			f := float64(n)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%v is not a finite number", n)
			}
			return f, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	}
	if v == nil {
		return nil, fmt.Errorf("value is required")
	}
	return nil, fmt.Errorf("expected %s, got %T", elem, v)
}

func normalizeList(elem string, v any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		switch typed := v.(type) {
		case []string:
			items = toAny(typed)
		case []int64:
			items = toAny(typed)
		case []float64:
			items = toAny(typed)
		case []bool:
			items = toAny(typed)
		default:
			return nil, fmt.Errorf("expected a list of %s, got %T", elem, v)
		}
	}
	switch elem {
	case model.ParamString:
		return convertList[string](elem, items)
	case model.ParamInt:
		return convertList[int64](elem, items)
	case model.ParamFloat:
		return convertList[float64](elem, items)
	default:
		return convertList[bool](elem, items)
	}
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func convertList[T any](elem string, items []any) ([]T, error) {
	out := make([]T, 0, len(items))
	for i, item := range items {
		v, err := normalizeScalar(elem, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v.(T))
	}
	return out, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return math.NaN()
	}
}

func equalValue(a, b any) bool {
	switch av := a.(type) {
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	case []int64:
		bv, ok := b.([]int64)
		return ok && slices.Equal(av, bv)
	case []float64:
		bv, ok := b.([]float64)
		return ok && slices.Equal(av, bv)
	case []bool:
		bv, ok := b.([]bool)
		return ok && slices.Equal(av, bv)
	default:
		return a == b
	}
}
