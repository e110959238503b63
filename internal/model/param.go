package model

// Parameter type tags.
const (
	ParamString     = "string"
	ParamInt        = "int"
	ParamFloat      = "float"
	ParamBool       = "bool"
	ParamIntRange   = "int_range"
	ParamFloatRange = "float_range"
	ParamStringEnum = "string_enum"
	ParamIntEnum    = "int_enum"
	ParamFloatEnum  = "float_enum"
	ParamStringList = "string_list"
	ParamIntList    = "int_list"
	ParamFloatList  = "float_list"
	ParamBoolList   = "bool_list"
)

// ParameterDef declares one user-adjustable algorithm parameter.
// Min, Max, Step apply to range types, Options to enum types.
type ParameterDef struct {
	Name        string `json:"name" toml:"name"`
	Description string `json:"description,omitempty" toml:"description"`
	Type        string `json:"type" toml:"type"`
	Default     any    `json:"default" toml:"default"`
	Min         any    `json:"min,omitempty" toml:"min"`
	Max         any    `json:"max,omitempty" toml:"max"`
	Step        any    `json:"step,omitempty" toml:"step"`
	Options     []any  `json:"options,omitempty" toml:"options"`
	Adjustable  *bool  `json:"adjustable,omitempty" toml:"adjustable"`
}

// IsAdjustable reports whether callers may override the default.
// Parameters are adjustable unless explicitly declared otherwise.
func (p ParameterDef) IsAdjustable() bool {
	return p.Adjustable == nil || *p.Adjustable
}

// ElementType returns the scalar type underlying range, enum and list types.
func ElementType(paramType string) string {
	switch paramType {
	case ParamString, ParamStringEnum, ParamStringList:
		return ParamString
	case ParamInt, ParamIntRange, ParamIntEnum, ParamIntList:
		return ParamInt
	case ParamFloat, ParamFloatRange, ParamFloatEnum, ParamFloatList:
		return ParamFloat
	case ParamBool, ParamBoolList:
		return ParamBool
	default:
		return ""
	}
}

// IsRange reports whether t is a bounded numeric type.
func IsRange(t string) bool { return t == ParamIntRange || t == ParamFloatRange }

// IsEnum reports whether t is an option-set type.
func IsEnum(t string) bool {
	return t == ParamStringEnum || t == ParamIntEnum || t == ParamFloatEnum
}

// IsList reports whether t is a sequence type.
func IsList(t string) bool {
	return t == ParamStringList || t == ParamIntList || t == ParamFloatList || t == ParamBoolList
}
