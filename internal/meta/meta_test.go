package meta

import (
	"errors"
	"testing"

	"github.com/danmuck/fcbridge/internal/testutil/testlog"
	"github.com/danmuck/fcbridge/internal/val"
	"github.com/google/go-cmp/cmp"
)

const modulesDir = "../../testdata/modules"

func TestParseFileLinksGraph(t *testing.T) {
	testlog.Start(t)
	m, err := ParseFile(modulesDir, "car")
	if err != nil {
		t.Fatalf("parse car: %v", err)
	}
	if m.Root().Kind != KindModule || m.Root().Ident != "car" {
		t.Fatalf("unexpected root %+v", m.Root())
	}
	octane, err := GetDef(m.Root().Find("engine"), "octane")
	if err != nil {
		t.Fatalf("octane through choice: %v", err)
	}
	if octane.Parent().Kind != KindCase || octane.Parent().Parent().Kind != KindChoice {
		t.Fatalf("octane should hang under case/choice")
	}
	if _, err := GetChoice(m.Root().Find("engine"), "fuel"); err != nil {
		t.Fatalf("fuel choice: %v", err)
	}
	start := m.Root().Find("start")
	if start.Input == nil || start.Input.Kind != KindInput || start.Find("output") != start.Output {
		t.Fatalf("rpc input/output not linked")
	}
	if m.Root().Find("running").IsConfig() {
		t.Fatalf("running is operational state")
	}
	if !m.Root().Find("tire").Find("size").IsConfig() {
		t.Fatalf("size inherits config")
	}
	keys := m.Root().Find("tire").KeyDefs()
	if len(keys) != 1 || keys[0].Ident != "pos" {
		t.Fatalf("tire keys: %+v", keys)
	}
}

func TestGetDefUnknown(t *testing.T) {
	testlog.Start(t)
	m, err := ParseFile(modulesDir, "basic")
	if err != nil {
		t.Fatalf("parse basic: %v", err)
	}
	if _, err := GetDef(m.Root(), "missing"); !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("expected ErrUnknownDefinition, got %v", err)
	}
	if _, err := GetChoice(m.Root(), "enabled"); !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("leaf is not a choice, got %v", err)
	}
	if _, err := ParseFile(modulesDir, "nope"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestEncodeParseKeepsShape(t *testing.T) {
	testlog.Start(t)
	m, err := ParseFile(modulesDir, "car")
	if err != nil {
		t.Fatalf("parse car: %v", err)
	}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("parse wire form: %v", err)
	}
	if diff := cmp.Diff(outline(m.Root()), outline(back.Root())); diff != "" {
		t.Fatalf("shape changed (-want +got):\n%s", diff)
	}
	if !DefaultValue(back.Root().Find("running")).Equal(val.Bool(false)) {
		t.Fatalf("false default must survive the wire form")
	}
}

func TestValidateRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad leaf type": "module: x\ndefs:\n  - ident: a\n    kind: leaf\n    type: float\n",
		"list no keys":  "module: x\ndefs:\n  - ident: l\n    kind: list\n    children:\n      - {ident: a, kind: leaf, type: string}\n",
		"bad default":   "module: x\ndefs:\n  - ident: a\n    kind: leaf\n    type: int32\n    default: abc\n",
		"duplicate":     "module: x\ndefs:\n  - {ident: a, kind: leaf, type: string}\n  - {ident: a, kind: leaf, type: string}\n",
		"bad kind":      "module: x\ndefs:\n  - {ident: a, kind: anydata}\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestPathEncodeDecodeCached(t *testing.T) {
	testlog.Start(t)
	m, err := ParseFile(modulesDir, "car")
	if err != nil {
		t.Fatalf("parse car: %v", err)
	}
	tire := m.Root().Find("tire")
	p := NewPath(m).Child(tire).WithKey([]string{"front left"}).Child(tire.Find("size"))
	wire := p.String()
	if wire != "tire=front+left/size" {
		t.Fatalf("wire form %q", wire)
	}
	a, err := m.DecodePath(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, err := m.DecodePath(wire)
	if err != nil {
		t.Fatalf("decode again: %v", err)
	}
	if a != b {
		t.Fatalf("decode should return the cached *Path")
	}
	if a.Meta().Ident != "size" || a.Parent().Meta() != tire {
		t.Fatalf("decoded path points at wrong defs")
	}
	if diff := cmp.Diff([]string{"front left"}, a.Parent().Key()); diff != "" {
		t.Fatalf("key mismatch (-want +got):\n%s", diff)
	}
	if root, _ := m.DecodePath(""); root.Meta() != m.Root() {
		t.Fatalf("empty path is the module root")
	}
	if _, err := m.DecodePath("tire/nope"); !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("expected ErrUnknownDefinition, got %v", err)
	}
}

func TestSplitRelative(t *testing.T) {
	testlog.Start(t)
	segs, err := SplitRelative("/tire=a%2Cb/size/")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []RelSegment{{Ident: "tire", Key: []string{"a,b"}}, {Ident: "size"}}
	if diff := cmp.Diff(want, segs); diff != "" {
		t.Fatalf("segments (-want +got):\n%s", diff)
	}
}

func outline(d *Def) []string {
	out := []string{string(d.Kind) + ":" + d.Ident}
	for _, c := range d.Children {
		out = append(out, outline(c)...)
	}
	for _, c := range d.Cases {
		out = append(out, outline(c)...)
	}
	if d.Input != nil {
		out = append(out, outline(d.Input)...)
	}
	if d.Output != nil {
		out = append(out, outline(d.Output)...)
	}
	return out
}
