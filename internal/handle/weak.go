package handle

import (
	"runtime"
	"sort"
	"sync"
	"weak"

	"github.com/danmuck/fcbridge/internal/observability"
	"github.com/rs/zerolog/log"
)

// WeakPool holds objects only while something else references them. When a
// stored object is reclaimed, or explicitly released, its entry is removed
// first and one release notification is queued afterwards.
type WeakPool struct {
	name     string
	releaser *Releaser

	mu     sync.Mutex
	items  map[Handle]*weakEntry
	closed bool
}

type weakEntry struct {
	value   func() any
	cleanup runtime.Cleanup
}

type reclaimToken struct {
	h     Handle
	entry *weakEntry
}

// NewWeakPool creates a pool that reports releases through r. A nil r keeps
// the pool local.
func NewWeakPool(name string, r *Releaser) *WeakPool {
	return &WeakPool{
		name:     name,
		releaser: r,
		items:    make(map[Handle]*weakEntry),
	}
}

// StoreWeak registers obj under h in p. It is a function rather than a method
// because weak pointers are typed.
func StoreWeak[T any](p *WeakPool, h Handle, obj *T) (Handle, error) {
	if h == None {
		return None, ErrZeroHandle
	}
	wp := weak.Make(obj)
	entry := &weakEntry{
		value: func() any {
			if v := wp.Value(); v != nil {
				return v
			}
			return nil
		},
	}
	entry.cleanup = runtime.AddCleanup(obj, p.reclaimed, reclaimToken{h: h, entry: entry})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		entry.cleanup.Stop()
		return None, ErrPoolClosed
	}
	if prev, ok := p.items[h]; ok {
		prev.cleanup.Stop()
	}
	p.items[h] = entry
	n := len(p.items)
	p.mu.Unlock()
	observability.SetHandles(p.name, n)
	return h, nil
}

// Lookup returns the object for h. A reclaimed object reads as absent even
// before its cleanup has run.
func (p *WeakPool) Lookup(h Handle) (any, bool) {
	p.mu.Lock()
	entry, ok := p.items[h]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	v := entry.value()
	return v, v != nil
}

func (p *WeakPool) Require(h Handle) (any, error) {
	obj, ok := p.Lookup(h)
	if !ok {
		return nil, notFound(p.name, h)
	}
	return obj, nil
}

// Release removes h and notifies the counterpart. It reports whether h was
// present; releasing an absent handle sends nothing.
func (p *WeakPool) Release(h Handle) bool {
	p.mu.Lock()
	entry, ok := p.items[h]
	if ok {
		delete(p.items, h)
	}
	closed := p.closed
	n := len(p.items)
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.cleanup.Stop()
	observability.SetHandles(p.name, n)
	if !closed {
		p.notify(h)
	}
	return true
}

func (p *WeakPool) reclaimed(tok reclaimToken) {
	p.mu.Lock()
	cur, ok := p.items[tok.h]
	if !ok || cur != tok.entry {
		// already released, or the handle was stored again for a new object
		p.mu.Unlock()
		return
	}
	delete(p.items, tok.h)
	closed := p.closed
	n := len(p.items)
	p.mu.Unlock()
	observability.SetHandles(p.name, n)
	log.Trace().Str("pool", p.name).Uint64("hnd", uint64(tok.h)).Msg("handle.WeakPool reclaimed")
	if !closed {
		p.notify(tok.h)
	}
}

func (p *WeakPool) notify(h Handle) {
	if p.releaser == nil {
		return
	}
	p.releaser.Enqueue(h)
}

func (p *WeakPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *WeakPool) Handles() []Handle {
	p.mu.Lock()
	out := make([]Handle, 0, len(p.items))
	for h := range p.items {
		out = append(out, h)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close drops every entry without notifying the counterpart and stops all
// pending cleanups.
func (p *WeakPool) Close() {
	p.mu.Lock()
	items := p.items
	p.items = make(map[Handle]*weakEntry)
	p.closed = true
	p.mu.Unlock()
	for _, entry := range items {
		entry.cleanup.Stop()
	}
	observability.SetHandles(p.name, 0)
}
