package algorithm

import (
	"errors"
	"math"
	"testing"

	"github.com/seantiz/crucible/internal/model"
)

func boolPtr(b bool) *bool { return &b }

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name    string
		def     model.ParameterDef
		wantErr bool
	}{
		{"float range", model.ParameterDef{Name: "w", Type: model.ParamFloatRange, Default: 0.1, Min: 0.0, Max: 1.0, Step: 0.1}, false},
		{"int range from toml ints", model.ParameterDef{Name: "k", Type: model.ParamIntRange, Default: int64(3), Min: int64(1), Max: int64(9), Step: int64(2)}, false},
		{"range missing step", model.ParameterDef{Name: "w", Type: model.ParamFloatRange, Default: 0.1, Min: 0.0, Max: 1.0}, true},
		{"range min not below max", model.ParameterDef{Name: "w", Type: model.ParamFloatRange, Default: 1.0, Min: 1.0, Max: 1.0, Step: 0.1}, true},
		{"range default outside", model.ParameterDef{Name: "w", Type: model.ParamFloatRange, Default: 2.0, Min: 0.0, Max: 1.0, Step: 0.1}, true},
		{"int range float bound", model.ParameterDef{Name: "k", Type: model.ParamIntRange, Default: int64(3), Min: 0.5, Max: int64(9), Step: int64(1)}, true},
		{"enum", model.ParameterDef{Name: "mode", Type: model.ParamStringEnum, Default: "fast", Options: []any{"fast", "slow"}}, false},
		{"enum no options", model.ParameterDef{Name: "mode", Type: model.ParamStringEnum, Default: "fast"}, true},
		{"enum default not member", model.ParameterDef{Name: "mode", Type: model.ParamStringEnum, Default: "medium", Options: []any{"fast", "slow"}}, true},
		{"enum wrong option type", model.ParameterDef{Name: "n", Type: model.ParamIntEnum, Options: []any{int64(1), "two"}}, true},
		{"list", model.ParameterDef{Name: "xs", Type: model.ParamFloatList, Default: []any{1.0, int64(2)}}, false},
		{"list wrong element", model.ParameterDef{Name: "xs", Type: model.ParamBoolList, Default: []any{true, "no"}}, true},
		{"scalar", model.ParameterDef{Name: "label", Type: model.ParamString, Default: "x"}, false},
		{"scalar wrong default", model.ParameterDef{Name: "flag", Type: model.ParamBool, Default: "yes"}, true},
		{"scalar missing default", model.ParameterDef{Name: "flag", Type: model.ParamBool}, true},
		{"unknown type", model.ParameterDef{Name: "x", Type: "complex"}, true},
		{"no name", model.ParameterDef{Type: model.ParamInt, Default: int64(1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def
			err := ValidateDefinition(&def)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateDefinitionEnumDefaultsToFirstOption(t *testing.T) {
	def := model.ParameterDef{Name: "n", Type: model.ParamIntEnum, Options: []any{int64(4), int64(8)}}
	if err := ValidateDefinition(&def); err != nil {
		t.Fatalf("ValidateDefinition: %v", err)
	}
	if def.Default != int64(4) {
		t.Errorf("Default = %v (%T), want int64 4", def.Default, def.Default)
	}
}

func denoiseDefs() []model.ParameterDef {
	return []model.ParameterDef{
		{Name: "weight", Type: model.ParamFloatRange, Default: 0.1, Min: 0.0, Max: 1.0, Step: 0.05},
		{Name: "iterations", Type: model.ParamInt, Default: int64(1)},
		{Name: "mode", Type: model.ParamStringEnum, Default: "mean", Options: []any{"mean", "median"}},
		{Name: "seed", Type: model.ParamInt, Default: int64(7), Adjustable: boolPtr(false)},
		{Name: "kernel", Type: model.ParamFloatList, Default: []any{1.0, 1.0}},
	}
}

func TestValidateParamsDefaults(t *testing.T) {
	params, err := ValidateParams(denoiseDefs(), nil)
	if err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	if w, _ := params.Float("weight"); w != 0.1 {
		t.Errorf("weight = %v, want 0.1", w)
	}
	if n, _ := params.Int("iterations"); n != 1 {
		t.Errorf("iterations = %v, want 1", n)
	}
	if k, _ := params.Floats("kernel"); len(k) != 2 {
		t.Errorf("kernel = %v, want 2 elements", k)
	}
}

func TestValidateParamsAccepted(t *testing.T) {
	params, err := ValidateParams(denoiseDefs(), map[string]any{
		"weight":     0.4,
		"iterations": 3.0,
		"mode":       "median",
		"seed":       7.0,
		"kernel":     []any{0.5, 1.0, 0.5},
	})
	if err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	if w, _ := params.Float("weight"); w != 0.4 {
		t.Errorf("weight = %v, want 0.4", w)
	}
	if n, err := params.Int("iterations"); err != nil || n != 3 {
		t.Errorf("iterations = %v, %v; want 3", n, err)
	}
}

func TestValidateParamsRejected(t *testing.T) {
	tests := []struct {
		name  string
		given map[string]any
		param string
	}{
		{"out of range", map[string]any{"weight": 5.0}, "weight"},
		{"wrong type", map[string]any{"weight": "heavy"}, "weight"},
		{"fractional int", map[string]any{"iterations": 2.5}, "iterations"},
		{"int overflow", map[string]any{"iterations": 1e20}, "iterations"},
		{"int at 2^63", map[string]any{"iterations": math.Pow(2, 63)}, "iterations"},
		{"float32 NaN", map[string]any{"kernel": []any{float32(math.NaN())}}, "kernel"},
		{"not an option", map[string]any{"mode": "max"}, "mode"},
		{"not adjustable", map[string]any{"seed": 8.0}, "seed"},
		{"unknown", map[string]any{"gain": 1.0}, "gain"},
		{"bad list element", map[string]any{"kernel": []any{1.0, "x"}}, "kernel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateParams(denoiseDefs(), tt.given)
			var verr *model.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if verr.Param != tt.param {
				t.Errorf("Param = %q, want %q", verr.Param, tt.param)
			}
		})
	}
}

func TestValidateParamsStoredDescriptor(t *testing.T) {
	// Descriptors read back from JSON carry float64 numbers and []any lists.
	defs := []model.ParameterDef{
		{Name: "k", Type: model.ParamIntRange, Default: 3.0, Min: 1.0, Max: 9.0, Step: 1.0},
		{Name: "tags", Type: model.ParamStringList, Default: []any{"a"}},
	}
	params, err := ValidateParams(defs, nil)
	if err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	if k, err := params.Int("k"); err != nil || k != 3 {
		t.Errorf("k = %v, %v; want int64 3", k, err)
	}
	if tags, ok := params["tags"].([]string); !ok || tags[0] != "a" {
		t.Errorf("tags = %#v, want []string{\"a\"}", params["tags"])
	}
	if defs[0].Default != 3.0 {
		t.Error("ValidateParams must not mutate the caller's definitions")
	}
}
