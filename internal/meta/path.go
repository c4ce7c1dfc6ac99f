package meta

import (
	"fmt"
	"net/url"
	"strings"
)

// Segment is one step of a Path. Key is set on list items.
type Segment struct {
	Def *Def
	Key []string
}

// Path locates a selection within a module. Paths are immutable; the
// builders return new values.
type Path struct {
	Module *Module
	Segs   []Segment
}

func NewPath(m *Module) *Path {
	return &Path{Module: m}
}

// Meta returns the definition the path ends at, the module root when empty.
func (p *Path) Meta() *Def {
	if len(p.Segs) == 0 {
		return p.Module.root
	}
	return p.Segs[len(p.Segs)-1].Def
}

// Key returns the list key of the last segment.
func (p *Path) Key() []string {
	if len(p.Segs) == 0 {
		return nil
	}
	return p.Segs[len(p.Segs)-1].Key
}

func (p *Path) Child(d *Def) *Path {
	segs := make([]Segment, len(p.Segs), len(p.Segs)+1)
	copy(segs, p.Segs)
	return &Path{Module: p.Module, Segs: append(segs, Segment{Def: d})}
}

func (p *Path) WithKey(key []string) *Path {
	if len(p.Segs) == 0 {
		return p
	}
	segs := make([]Segment, len(p.Segs))
	copy(segs, p.Segs)
	segs[len(segs)-1].Key = append([]string(nil), key...)
	return &Path{Module: p.Module, Segs: segs}
}

func (p *Path) Parent() *Path {
	if len(p.Segs) == 0 {
		return nil
	}
	return &Path{Module: p.Module, Segs: p.Segs[:len(p.Segs)-1]}
}

// String is the compact wire form: "ident/list=k1,k2/ident". Key values are
// query-escaped.
func (p *Path) String() string {
	var b strings.Builder
	for i, s := range p.Segs {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(s.Def.Ident)
		if len(s.Key) > 0 {
			b.WriteByte('=')
			for j, k := range s.Key {
				if j > 0 {
					b.WriteByte(',')
				}
				b.WriteString(url.QueryEscape(k))
			}
		}
	}
	return b.String()
}

// DecodePath resolves the compact form against m. Results are cached on the
// module, so repeated decodes of the same form return the same *Path.
func (m *Module) DecodePath(s string) (*Path, error) {
	if cached, ok := m.paths.Load(s); ok {
		return cached.(*Path), nil
	}
	p, err := decodePath(m, s)
	if err != nil {
		return nil, err
	}
	actual, _ := m.paths.LoadOrStore(s, p)
	return actual.(*Path), nil
}

func decodePath(m *Module, s string) (*Path, error) {
	p := &Path{Module: m}
	if s == "" {
		return p, nil
	}
	cur := m.root
	for _, part := range strings.Split(s, "/") {
		ident, keyPart, hasKey := strings.Cut(part, "=")
		d, err := GetDef(cur, ident)
		if err != nil {
			return nil, fmt.Errorf("decode path %q: %w", s, err)
		}
		seg := Segment{Def: d}
		if hasKey {
			for _, raw := range strings.Split(keyPart, ",") {
				k, err := url.QueryUnescape(raw)
				if err != nil {
					return nil, fmt.Errorf("decode path %q: key %q: %w", s, raw, err)
				}
				seg.Key = append(seg.Key, k)
			}
		}
		p.Segs = append(p.Segs, seg)
		cur = d
	}
	return p, nil
}

// RelSegment is one step of a relative navigation path.
type RelSegment struct {
	Ident string
	Key   []string
}

// SplitRelative parses "a/list=k1,k2/b" into segments. Leading and trailing
// slashes are ignored.
func SplitRelative(rel string) ([]RelSegment, error) {
	var out []RelSegment
	for _, part := range strings.Split(strings.Trim(rel, "/"), "/") {
		if part == "" {
			continue
		}
		ident, keyPart, hasKey := strings.Cut(part, "=")
		seg := RelSegment{Ident: ident}
		if hasKey {
			for _, raw := range strings.Split(keyPart, ",") {
				k, err := url.QueryUnescape(raw)
				if err != nil {
					return nil, fmt.Errorf("meta: path %q: key %q: %w", rel, raw, err)
				}
				seg.Key = append(seg.Key, k)
			}
		}
		out = append(out, seg)
	}
	return out, nil
}
