package handle

import (
	"sort"
	"sync"

	"github.com/danmuck/fcbridge/internal/observability"
)

// StrongPool keeps objects until they are explicitly released. Releasing has
// no network effect; the counterpart decides independently when to release
// its own side.
type StrongPool struct {
	name  string
	mu    sync.Mutex
	items map[Handle]any
}

func NewStrongPool(name string) *StrongPool {
	return &StrongPool{
		name:  name,
		items: make(map[Handle]any),
	}
}

// Store registers obj under h and returns h.
func (p *StrongPool) Store(h Handle, obj any) (Handle, error) {
	if h == None {
		return None, ErrZeroHandle
	}
	p.mu.Lock()
	if p.items == nil {
		p.mu.Unlock()
		return None, ErrPoolClosed
	}
	p.items[h] = obj
	n := len(p.items)
	p.mu.Unlock()
	observability.SetHandles(p.name, n)
	return h, nil
}

func (p *StrongPool) Lookup(h Handle) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.items[h]
	return obj, ok
}

func (p *StrongPool) Require(h Handle) (any, error) {
	obj, ok := p.Lookup(h)
	if !ok {
		return nil, notFound(p.name, h)
	}
	return obj, nil
}

// Release removes h and reports whether it was present.
func (p *StrongPool) Release(h Handle) bool {
	p.mu.Lock()
	_, ok := p.items[h]
	delete(p.items, h)
	n := len(p.items)
	p.mu.Unlock()
	if ok {
		observability.SetHandles(p.name, n)
	}
	return ok
}

// ReleaseIf removes h only while it still maps to obj.
func (p *StrongPool) ReleaseIf(h Handle, obj any) bool {
	p.mu.Lock()
	cur, ok := p.items[h]
	if ok && cur == obj {
		delete(p.items, h)
	} else {
		ok = false
	}
	n := len(p.items)
	p.mu.Unlock()
	if ok {
		observability.SetHandles(p.name, n)
	}
	return ok
}

func (p *StrongPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Handles lists live handles in ascending order.
func (p *StrongPool) Handles() []Handle {
	p.mu.Lock()
	out := make([]Handle, 0, len(p.items))
	for h := range p.items {
		out = append(out, h)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close drops every entry. Later stores fail with ErrPoolClosed.
func (p *StrongPool) Close() {
	p.mu.Lock()
	p.items = nil
	p.mu.Unlock()
	observability.SetHandles(p.name, 0)
}
