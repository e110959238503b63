package model

import "fmt"

// Params is a validated parameter map handed to every stage. Values are
// normalized: ints are int64, floats are float64, lists are typed slices.
type Params map[string]any

// Float returns the named float parameter.
func (p Params) Float(name string) (float64, error) {
	switch v := p[name].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("parameter %q is not a float", name)
	}
}

// Int returns the named int parameter.
func (p Params) Int(name string) (int64, error) {
	v, ok := p[name].(int64)
	if !ok {
		return 0, fmt.Errorf("parameter %q is not an int", name)
	}
	return v, nil
}

// String returns the named string parameter.
func (p Params) String(name string) (string, error) {
	v, ok := p[name].(string)
	if !ok {
		return "", fmt.Errorf("parameter %q is not a string", name)
	}
	return v, nil
}

// Bool returns the named bool parameter.
func (p Params) Bool(name string) (bool, error) {
	v, ok := p[name].(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q is not a bool", name)
	}
	return v, nil
}

// Floats returns the named float list parameter.
func (p Params) Floats(name string) ([]float64, error) {
	v, ok := p[name].([]float64)
	if !ok {
		return nil, fmt.Errorf("parameter %q is not a float list", name)
	}
	return v, nil
}
