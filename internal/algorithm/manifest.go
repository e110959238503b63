package algorithm

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/crucible/internal/model"
)

// ManifestFile is the metadata file every package directory carries.
const ManifestFile = "algorithm.toml"

// defaultExecPatterns selects code files for exec packages that do not set
// module_patterns.
var defaultExecPatterns = []string{"*.py", "*.sh", "*.js", "*.rb", "*.lua", "*.pl"}

// Manifest is the decoded algorithm.toml.
type Manifest struct {
	Name             string               `toml:"name"`
	Version          string               `toml:"version"`
	Category         string               `toml:"category"`
	Description      string               `toml:"description"`
	Tags             []string             `toml:"tags"`
	Runtime          string               `toml:"runtime"`
	Entrypoint       string               `toml:"entrypoint"`
	Command          []string             `toml:"command"`
	SupportedDevices []string             `toml:"supported_devices"`
	DefaultDevice    string               `toml:"default_device"`
	CheckImportable  bool                 `toml:"check_importable"`
	Obfuscate        bool                 `toml:"obfuscate"`
	HashModule       bool                 `toml:"hash_module"`
	HashAssets       bool                 `toml:"hash_assets"`
	ModulePatterns   []string             `toml:"module_patterns"`
	InputSchema      string               `toml:"input_schema"`
	OutputSchema     string               `toml:"output_schema"`
	Parameters       []model.ParameterDef `toml:"parameters"`
}

// ParseManifest decodes manifest bytes. Keys the manifest does not define are
// rejected so typos surface at deploy time.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	meta, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, &model.FieldError{Field: ManifestFile, Message: err.Error()}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, &model.FieldError{Field: ManifestFile, Message: "unknown keys: " + strings.Join(keys, ", ")}
	}
	return &m, nil
}

// Normalize validates the manifest, fills derived fields and returns every
// problem found.
func (m *Manifest) Normalize() error {
	var errs *multierror.Error
	add := func(field, format string, args ...any) {
		errs = multierror.Append(errs, &model.FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	m.Name = strings.TrimSpace(m.Name)
	switch {
	case m.Name == "":
		add("name", "is required")
	case strings.ContainsAny(m.Name, "/\\ \t@~"):
		add("name", "must not contain whitespace, slashes, '@' or '~'")
	}

	if m.Version == "" {
		add("version", "is required")
	} else if v, err := semver.NewVersion(m.Version); err != nil {
		add("version", "%q is not a semantic version: %v", m.Version, err)
	} else {
		m.Version = v.String()
	}

	switch {
	case m.Category == "":
		add("category", "is required")
	case !model.ValidCategory(m.Category):
		add("category", "unknown category %q", m.Category)
	case m.Category == model.CategoryGeneric:
		if !model.ValidSchema(m.InputSchema) {
			add("input_schema", "generic algorithms must declare a known input schema, got %q", m.InputSchema)
		}
		if !model.ValidSchema(m.OutputSchema) {
			add("output_schema", "generic algorithms must declare a known output schema, got %q", m.OutputSchema)
		}
	default:
		schemas := model.CategorySchemas[m.Category]
		if m.InputSchema != "" && m.InputSchema != schemas[0] {
			add("input_schema", "category %s fixes the input schema to %s", m.Category, schemas[0])
		}
		if m.OutputSchema != "" && m.OutputSchema != schemas[1] {
			add("output_schema", "category %s fixes the output schema to %s", m.Category, schemas[1])
		}
		m.InputSchema, m.OutputSchema = schemas[0], schemas[1]
	}

	switch m.Runtime {
	case "":
		add("runtime", "is required")
	case model.RuntimeBuiltin:
		if len(m.Command) > 0 {
			add("command", "only applies to the %s runtime", model.RuntimeExec)
		}
	case model.RuntimeExec:
		if len(m.ModulePatterns) == 0 {
			m.ModulePatterns = defaultExecPatterns
		}
	}
	if m.Entrypoint == "" {
		add("entrypoint", "is required")
	}

	if len(m.SupportedDevices) == 0 {
		m.SupportedDevices = []string{model.DeviceCPU}
	}
	for _, d := range m.SupportedDevices {
		if !slices.Contains(model.KnownDevices, d) {
			add("supported_devices", "unknown device %q", d)
		}
	}
	if m.DefaultDevice == "" {
		m.DefaultDevice = m.SupportedDevices[0]
	}
	if !slices.Contains(m.SupportedDevices, m.DefaultDevice) {
		add("default_device", "%q is not among the supported devices", m.DefaultDevice)
	}

	seen := make(map[string]bool, len(m.Parameters))
	for i := range m.Parameters {
		p := &m.Parameters[i]
		if seen[p.Name] {
			add("parameters."+p.Name, "declared more than once")
			continue
		}
		seen[p.Name] = true
		if err := ValidateDefinition(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// Descriptor builds the registrable descriptor for the manifest. Artifact
// fields are filled in by the deployer.
func (m *Manifest) Descriptor() *model.Algorithm {
	return &model.Algorithm{
		ID:               model.NewID(),
		Name:             m.Name,
		Version:          m.Version,
		Category:         m.Category,
		Description:      m.Description,
		Tags:             m.Tags,
		InputSchema:      m.InputSchema,
		OutputSchema:     m.OutputSchema,
		Parameters:       m.Parameters,
		SupportedDevices: m.SupportedDevices,
		DefaultDevice:    m.DefaultDevice,
		Runtime:          m.Runtime,
		Entrypoint:       m.Entrypoint,
		Command:          m.Command,
		CheckImportable:  m.CheckImportable,
		Obfuscate:        m.Obfuscate,
		HashModule:       m.HashModule,
		HashAssets:       m.HashAssets,
	}
}
