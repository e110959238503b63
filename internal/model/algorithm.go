package model

import (
	"slices"
	"time"
)

// Algorithm categories. Each non-generic category fixes its I/O schemas.
const (
	CategoryImage2Image        = "image2image"
	CategoryImage2Segmentation = "image2segmentation"
	CategoryImage2Alignment    = "image2alignment"
	CategoryImage2Embedding    = "image2embedding"
	CategoryGeneric            = "generic"
)

// Dataset schema names.
const (
	SchemaGeneric      = "generic"
	SchemaImage        = "image"
	SchemaSegmentation = "segmentation"
	SchemaVolume       = "volume"
	SchemaMesh         = "mesh"
	SchemaAlignment    = "alignment"
	SchemaEmbedding    = "embedding"
)

// Compute devices.
const (
	DeviceCPU = "cpu"
	DeviceGPU = "gpu"
	DeviceMPS = "mps"
)

// Runtime names.
const (
	RuntimeBuiltin = "builtin"
	RuntimeExec    = "exec"
)

// CategorySchemas maps each fixed category to its input and output schema.
var CategorySchemas = map[string][2]string{
	CategoryImage2Image:        {SchemaImage, SchemaImage},
	CategoryImage2Segmentation: {SchemaImage, SchemaSegmentation},
	CategoryImage2Alignment:    {SchemaImage, SchemaAlignment},
	CategoryImage2Embedding:    {SchemaImage, SchemaEmbedding},
}

// KnownSchemas lists every schema a generic algorithm may declare.
var KnownSchemas = []string{
	SchemaGeneric, SchemaImage, SchemaSegmentation, SchemaVolume,
	SchemaMesh, SchemaAlignment, SchemaEmbedding,
}

// KnownDevices lists the devices a package may declare support for.
var KnownDevices = []string{DeviceCPU, DeviceGPU, DeviceMPS}

// ValidCategory reports whether c is one of the predefined categories.
func ValidCategory(c string) bool {
	if c == CategoryGeneric {
		return true
	}
	_, ok := CategorySchemas[c]
	return ok
}

// ValidSchema reports whether s names a known dataset schema.
func ValidSchema(s string) bool {
	return slices.Contains(KnownSchemas, s)
}

// Algorithm is the registered descriptor of one deployed algorithm version.
type Algorithm struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	Category         string            `json:"category"`
	Description      string            `json:"description,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	InputSchema      string            `json:"input_schema"`
	OutputSchema     string            `json:"output_schema"`
	Parameters       []ParameterDef    `json:"parameters"`
	SupportedDevices []string          `json:"supported_devices"`
	DefaultDevice    string            `json:"default_device"`
	Runtime          string            `json:"runtime"`
	Entrypoint       string            `json:"entrypoint"`
	Command          []string          `json:"command,omitempty"`
	ModuleID         string            `json:"module_id"`
	ModuleHash       string            `json:"module_hash"`
	ModuleSize       int64             `json:"module_size"`
	Assets           map[string]string `json:"assets,omitempty"`
	AssetsHash       string            `json:"assets_hash"`
	AssetsSize       int64             `json:"assets_size"`
	CheckImportable  bool              `json:"check_importable"`
	Obfuscate        bool              `json:"obfuscate"`
	HashModule       bool              `json:"hash_module"`
	HashAssets       bool              `json:"hash_assets"`
	DeployedAt       time.Time         `json:"deployed_at"`
}

// Key returns the human-readable identity of the descriptor.
func (a *Algorithm) Key() string {
	return a.Name + "@" + a.Version
}

// SupportsDevice reports whether the algorithm declares device.
func (a *Algorithm) SupportsDevice(device string) bool {
	return slices.Contains(a.SupportedDevices, device)
}

// Parameter returns the definition named name.
func (a *Algorithm) Parameter(name string) (ParameterDef, bool) {
	for _, p := range a.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDef{}, false
}
