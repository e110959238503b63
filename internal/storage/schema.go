package storage

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/seantiz/crucible/internal/model"
)

// Record is one dataset's content: named fields holding scalars or nested
// numeric arrays.
type Record map[string]any

// Field declares one schema field. Dims lists the accepted array ranks; an
// empty Dims accepts any value.
type Field struct {
	Name     string
	Required bool
	Dims     []int
}

// Schema is a named set of fields a record must satisfy.
type Schema struct {
	Name   string
	Fields []Field
}

var schemas = map[string]Schema{
	model.SchemaGeneric: {Name: model.SchemaGeneric, Fields: []Field{
		{Name: "data", Required: true},
	}},
	model.SchemaImage: {Name: model.SchemaImage, Fields: []Field{
		{Name: "image", Required: true, Dims: []int{2, 3}},
		{Name: "mask", Dims: []int{2}},
		{Name: "points", Dims: []int{2}},
	}},
	model.SchemaSegmentation: {Name: model.SchemaSegmentation, Fields: []Field{
		{Name: "mask", Required: true, Dims: []int{2, 3}},
	}},
	model.SchemaVolume: {Name: model.SchemaVolume, Fields: []Field{
		{Name: "volume", Required: true, Dims: []int{3}},
		{Name: "mask", Dims: []int{3}},
	}},
	model.SchemaMesh: {Name: model.SchemaMesh, Fields: []Field{
		{Name: "vertices", Required: true, Dims: []int{2}},
		{Name: "faces", Required: true, Dims: []int{2}},
	}},
	model.SchemaAlignment: {Name: model.SchemaAlignment, Fields: []Field{
		{Name: "matrix", Required: true, Dims: []int{2}},
		{Name: "points", Dims: []int{2}},
	}},
	model.SchemaEmbedding: {Name: model.SchemaEmbedding, Fields: []Field{
		{Name: "features", Required: true},
		{Name: "input_size", Dims: []int{1}},
		{Name: "original_size", Dims: []int{1}},
	}},
}

// LookupSchema returns the schema registered under name.
func LookupSchema(name string) (Schema, error) {
	s, ok := schemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

// Validate checks rec against the schema. Unknown fields are rejected so a
// misspelled field is not silently dropped by the consumer.
func (s Schema) Validate(rec Record) error {
	if rec == nil {
		return fmt.Errorf("%s record is empty", s.Name)
	}
	known := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = true
		v, ok := rec[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("%s record: missing required field %q", s.Name, f.Name)
			}
			continue
		}
		if len(f.Dims) == 0 {
			continue
		}
		shape, err := Shape(v)
		if err != nil {
			return fmt.Errorf("%s record: field %q: %w", s.Name, f.Name, err)
		}
		if !slices.Contains(f.Dims, len(shape)) {
			return fmt.Errorf("%s record: field %q has %d dimensions, want one of %v", s.Name, f.Name, len(shape), f.Dims)
		}
	}
	for name := range rec {
		if !known[name] {
			return fmt.Errorf("%s record: unexpected field %q", s.Name, name)
		}
	}
	return nil
}

// Shape returns the dimensions of a rectangular nested numeric array. Scalars
// have an empty shape.
func Shape(v any) ([]int, error) {
	return shapeOf(reflect.ValueOf(v))
}

func shapeOf(v reflect.Value) ([]int, error) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("nil element")
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		n := v.Len()
		if n == 0 {
			return []int{0}, nil
		}
		inner, err := shapeOf(v.Index(0))
		if err != nil {
			return nil, err
		}
		for i := 1; i < n; i++ {
			s, err := shapeOf(v.Index(i))
			if err != nil {
				return nil, err
			}
			if !slices.Equal(s, inner) {
				return nil, fmt.Errorf("ragged array at index %d", i)
			}
		}
		return append([]int{n}, inner...), nil
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Bool:
		return nil, nil
	default:
		return nil, fmt.Errorf("non-numeric element of kind %s", v.Kind())
	}
}

// Matrix converts a 2D numeric field into [][]float64.
func Matrix(v any) ([][]float64, error) {
	shape, err := Shape(v)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, got %d", len(shape))
	}
	rv := reflect.ValueOf(v)
	out := make([][]float64, shape[0])
	for i := range out {
		row := indirect(rv.Index(i))
		out[i] = make([]float64, shape[1])
		for j := range out[i] {
			f, err := toFloat(indirect(row.Index(j)))
			if err != nil {
				return nil, fmt.Errorf("element [%d][%d]: %w", i, j, err)
			}
			out[i][j] = f
		}
	}
	return out, nil
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v
}

func toFloat(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("non-numeric kind %s", v.Kind())
	}
}
