package baseline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ProtectionClass string

const (
	ClassAuto        ProtectionClass = "AUTO_BASELINE"
	ClassOptional    ProtectionClass = "OPTIONAL_BASELINE"
	ClassUnprotected ProtectionClass = "UNPROTECTED"
)

type FieldSpec struct {
	Name            string          `json:"name" yaml:"name"`
	Label           string          `json:"label" yaml:"label"`
	Section         string          `json:"section" yaml:"section"`
	Class           ProtectionClass `json:"protectionClass" yaml:"class"`
	DefaultBaseline bool            `json:"defaultBaseline" yaml:"defaultBaseline"`
}

// Registry is the static field classification table. It holds no state and
// is safe for concurrent use.
type Registry struct {
	fields []FieldSpec
	byName map[string]FieldSpec
}

//go:embed registry.yaml
var defaultRegistryYAML []byte

type registryDocument struct {
	Fields []struct {
		Name            string `yaml:"name"`
		Label           string `yaml:"label"`
		Section         string `yaml:"section"`
		Class           string `yaml:"class"`
		DefaultBaseline *bool  `yaml:"defaultBaseline"`
	} `yaml:"fields"`
}

func DefaultRegistry() *Registry {
	registry, err := ParseRegistry(defaultRegistryYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded registry: %v", err))
	}
	return registry
}

// LoadRegistry reads a registry document from path, or returns the embedded
// default when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var doc registryDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(doc.Fields) == 0 {
		return nil, fmt.Errorf("parse registry: no fields declared")
	}

	registry := &Registry{byName: make(map[string]FieldSpec, len(doc.Fields))}
	for i, raw := range doc.Fields {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			return nil, fmt.Errorf("parse registry: field %d has no name", i)
		}
		if _, dup := registry.byName[name]; dup {
			return nil, fmt.Errorf("parse registry: field %q declared twice", name)
		}
		spec := FieldSpec{
			Name:    name,
			Label:   strings.TrimSpace(raw.Label),
			Section: strings.TrimSpace(raw.Section),
			Class:   ProtectionClass(strings.ToUpper(strings.TrimSpace(raw.Class))),
		}
		if spec.Label == "" {
			spec.Label = name
		}
		switch spec.Class {
		case ClassAuto:
			if raw.DefaultBaseline != nil && !*raw.DefaultBaseline {
				return nil, fmt.Errorf("parse registry: %s is AUTO_BASELINE and cannot default to unbaselined", name)
			}
			spec.DefaultBaseline = true
		case ClassOptional:
			spec.DefaultBaseline = raw.DefaultBaseline != nil && *raw.DefaultBaseline
		case ClassUnprotected:
			if raw.DefaultBaseline != nil && *raw.DefaultBaseline {
				return nil, fmt.Errorf("parse registry: %s is UNPROTECTED and cannot be baselined", name)
			}
		default:
			return nil, fmt.Errorf("parse registry: %s has unknown class %q", name, raw.Class)
		}
		registry.fields = append(registry.fields, spec)
		registry.byName[name] = spec
	}
	return registry, nil
}

// Classify never fails: unknown fields are UNPROTECTED.
func (r *Registry) Classify(field string) ProtectionClass {
	return r.Lookup(field).Class
}

func (r *Registry) Lookup(field string) FieldSpec {
	if spec, ok := r.byName[field]; ok {
		return spec
	}
	return FieldSpec{Name: field, Label: field, Class: ClassUnprotected}
}

// Fields returns the declared fields in document order.
func (r *Registry) Fields() []FieldSpec {
	out := make([]FieldSpec, len(r.fields))
	copy(out, r.fields)
	return out
}

// Encode renders the registry in the document format ParseRegistry reads.
func (r *Registry) Encode() ([]byte, error) {
	return yaml.Marshal(struct {
		Fields []FieldSpec `yaml:"fields"`
	}{Fields: r.fields})
}
