package meta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/danmuck/fcbridge/internal/val"
	"gopkg.in/yaml.v3"
)

var ErrModuleNotFound = errors.New("meta: module not found")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

var leafTypes = map[string]bool{
	"boolean":   true,
	"int32":     true,
	"int64":     true,
	"uint32":    true,
	"uint64":    true,
	"decimal64": true,
	"string":    true,
	"binary":    true,
	"empty":     true,
}

// ParseFile loads module name from dir, trying .yaml then .yml.
func ParseFile(dir, name string) (*Module, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", path, err)
		}
		return Parse(data)
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrModuleNotFound, name, dir)
}

// Parse decodes, validates and links a module. It also decodes the wire
// form produced by Encode.
func Parse(data []byte) (*Module, error) {
	var m Module
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, fmt.Errorf("validate module %q: %w", m.Ident, err)
	}
	m.link()
	return &m, nil
}

// Encode renders m in the YAML form Parse accepts.
func Encode(m *Module) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode module %q: %w", m.Ident, err)
	}
	return data, nil
}

// Validate checks the structural rules the bridge depends on: identifiers,
// known kinds, leaf types, list keys and defaults that fit their leaf type.
func Validate(m *Module) error {
	var errs []string
	if !identPattern.MatchString(m.Ident) {
		errs = append(errs, fmt.Sprintf("module name %q is not a valid identifier", m.Ident))
	}
	errs = validateDefs(m.Ident, m.Defs, errs)
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateDefs(at string, defs []*Def, errs []string) []string {
	seen := map[string]bool{}
	for _, d := range defs {
		loc := at + "/" + d.Ident
		if !identPattern.MatchString(d.Ident) {
			errs = append(errs, fmt.Sprintf("%s: %q is not a valid identifier", at, d.Ident))
		}
		if seen[d.Ident] {
			errs = append(errs, fmt.Sprintf("%s: duplicate definition", loc))
		}
		seen[d.Ident] = true
		switch d.Kind {
		case KindLeaf:
			if !leafTypes[d.Type] {
				errs = append(errs, fmt.Sprintf("%s: unknown leaf type %q", loc, d.Type))
				continue
			}
			if d.Default != nil {
				if _, err := val.Coerce(d.Type, d.Default); err != nil {
					errs = append(errs, fmt.Sprintf("%s: default: %v", loc, err))
				}
			}
		case KindContainer, KindNotification, KindCase:
			errs = validateDefs(loc, d.Children, errs)
		case KindList:
			if len(d.Keys) == 0 {
				errs = append(errs, fmt.Sprintf("%s: list requires keys", loc))
			}
			for _, k := range d.Keys {
				kd := findChild(d.Children, k)
				if kd == nil || kd.Kind != KindLeaf {
					errs = append(errs, fmt.Sprintf("%s: key %q is not a leaf", loc, k))
				}
			}
			errs = validateDefs(loc, d.Children, errs)
		case KindChoice:
			if len(d.Cases) == 0 {
				errs = append(errs, fmt.Sprintf("%s: choice requires cases", loc))
			}
			for _, cs := range d.Cases {
				cs.Kind = KindCase
			}
			errs = validateDefs(loc, d.Cases, errs)
		case KindRpc:
			if d.Input != nil {
				errs = validateDefs(loc+"/input", d.Input.Children, errs)
			}
			if d.Output != nil {
				errs = validateDefs(loc+"/output", d.Output.Children, errs)
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", loc, d.Kind))
		}
	}
	return errs
}

func findChild(defs []*Def, ident string) *Def {
	for _, d := range defs {
		if d.Ident == ident {
			return d
		}
	}
	return nil
}

// DefaultValue returns the coerced default of a leaf, or an empty value.
func DefaultValue(d *Def) val.Value {
	if !d.HasDefault() {
		return val.Empty()
	}
	v, err := val.Coerce(d.Type, d.Default)
	if err != nil {
		return val.Empty()
	}
	return v
}
