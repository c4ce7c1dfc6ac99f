// Package meta holds the decoded schema graph both runtimes navigate.
//
// Ownership boundary:
// - module and definition types
// - YAML module files and the module wire form
// - path encoding and per-module decode cache
// - definition lookup by identifier
//
// Graphs are immutable once linked.
package meta

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownDefinition = errors.New("meta: unknown definition")

type Kind string

const (
	KindContainer    Kind = "container"
	KindList         Kind = "list"
	KindLeaf         Kind = "leaf"
	KindChoice       Kind = "choice"
	KindCase         Kind = "case"
	KindRpc          Kind = "rpc"
	KindNotification Kind = "notification"
	KindInput        Kind = "input"
	KindOutput       Kind = "output"
	KindModule       Kind = "module"
)

// Def is one schema definition. Which fields apply depends on Kind.
type Def struct {
	Ident       string `yaml:"ident"`
	Kind        Kind   `yaml:"kind"`
	Description string `yaml:"description,omitempty"`

	// leaf
	Type    string `yaml:"type,omitempty"`
	Default any    `yaml:"default,omitempty"`
	Config  *bool  `yaml:"config,omitempty"`

	// list
	Keys []string `yaml:"keys,omitempty"`

	// container, list, case, input, output, notification
	Children []*Def `yaml:"children,omitempty"`

	// choice
	Cases []*Def `yaml:"cases,omitempty"`

	// rpc
	Input  *Def `yaml:"input,omitempty"`
	Output *Def `yaml:"output,omitempty"`

	parent *Def
}

func (d *Def) Parent() *Def { return d.parent }

func (d *Def) IsLeaf() bool { return d.Kind == KindLeaf }
func (d *Def) IsList() bool { return d.Kind == KindList }

// IsConfig reports whether the definition holds configuration rather than
// operational state. Unset inherits from the parent; the root is config.
func (d *Def) IsConfig() bool {
	for cur := d; cur != nil; cur = cur.parent {
		if cur.Config != nil {
			return *cur.Config
		}
	}
	return true
}

// HasDefault reports whether a leaf declares a default value.
func (d *Def) HasDefault() bool {
	return d.Kind == KindLeaf && d.Default != nil
}

// Find returns the child definition named ident, looking through choice
// cases the way data nodes see them.
func (d *Def) Find(ident string) *Def {
	for _, c := range d.Children {
		if c.Ident == ident {
			return c
		}
		if c.Kind == KindChoice {
			for _, cs := range c.Cases {
				if found := cs.Find(ident); found != nil {
					return found
				}
			}
		}
	}
	switch ident {
	case "input":
		if d.Input != nil {
			return d.Input
		}
	case "output":
		if d.Output != nil {
			return d.Output
		}
	}
	return nil
}

// Case returns the case named ident of a choice.
func (d *Def) Case(ident string) *Def {
	for _, cs := range d.Cases {
		if cs.Ident == ident {
			return cs
		}
	}
	return nil
}

// KeyDefs returns the leaf definitions of a list's keys.
func (d *Def) KeyDefs() []*Def {
	out := make([]*Def, 0, len(d.Keys))
	for _, k := range d.Keys {
		if kd := d.Find(k); kd != nil {
			out = append(out, kd)
		}
	}
	return out
}

// GetDef resolves a child definition by identifier.
func GetDef(parent *Def, ident string) (*Def, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: %q (no parent)", ErrUnknownDefinition, ident)
	}
	d := parent.Find(ident)
	if d == nil {
		return nil, fmt.Errorf("%w: %q under %q", ErrUnknownDefinition, ident, parent.Ident)
	}
	return d, nil
}

// GetChoice resolves a choice definition by identifier.
func GetChoice(parent *Def, ident string) (*Def, error) {
	d, err := GetDef(parent, ident)
	if err != nil {
		return nil, err
	}
	if d.Kind != KindChoice {
		return nil, fmt.Errorf("%w: %q is a %s, not a choice", ErrUnknownDefinition, ident, d.Kind)
	}
	return d, nil
}

// Module is the root of one schema graph.
type Module struct {
	Ident       string `yaml:"module"`
	Namespace   string `yaml:"namespace,omitempty"`
	Revision    string `yaml:"revision,omitempty"`
	Description string `yaml:"description,omitempty"`
	Defs        []*Def `yaml:"defs"`

	root  *Def
	paths sync.Map // string -> *Path
}

// Root returns the definition standing for the module itself.
func (m *Module) Root() *Def { return m.root }

func (m *Module) link() {
	m.root = &Def{Ident: m.Ident, Kind: KindModule, Children: m.Defs}
	linkChildren(m.root)
}

func linkChildren(d *Def) {
	for _, c := range d.Children {
		c.parent = d
		linkChildren(c)
	}
	for _, cs := range d.Cases {
		cs.parent = d
		linkChildren(cs)
	}
	if d.Input != nil {
		d.Input.parent = d
		d.Input.Ident = "input"
		d.Input.Kind = KindInput
		linkChildren(d.Input)
	}
	if d.Output != nil {
		d.Output.parent = d
		d.Output.Ident = "output"
		d.Output.Kind = KindOutput
		linkChildren(d.Output)
	}
}
