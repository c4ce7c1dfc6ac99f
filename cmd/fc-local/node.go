package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/fcbridge/internal/bridge"
	"github.com/danmuck/fcbridge/internal/val"
)

// leafValues collects repeated --set name=value flags.
type leafValues map[string]string

func (l leafValues) String() string {
	parts := make([]string, 0, len(l))
	for k, v := range l {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (l leafValues) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("expected name=value, got %q", raw)
	}
	l[strings.TrimSpace(name)] = value
	return nil
}

// rootNode serves top-level leaves from l. It has no containers or lists.
func rootNode(l leafValues) *bridge.Basic {
	return &bridge.Basic{
		OnField: func(r bridge.FieldRequest, h *bridge.ValueHandle) error {
			if r.Write {
				return fmt.Errorf("%s is read only", r.Meta.Ident)
			}
			raw, ok := l[r.Meta.Ident]
			if !ok {
				return nil
			}
			v, err := val.Coerce(r.Meta.Type, raw)
			if err != nil {
				return fmt.Errorf("%s: %w", r.Meta.Ident, err)
			}
			h.Val = v
			return nil
		},
		OnChild: func(bridge.ChildRequest) (bridge.Node, error) { return nil, nil },
	}
}
