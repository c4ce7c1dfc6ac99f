package handle

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/fcbridge/internal/observability"
	"github.com/rs/zerolog/log"
)

// SendFunc delivers one release notification to the counterpart.
type SendFunc func(ctx context.Context, h Handle) error

// Releaser dispatches release notifications from a bounded queue on a single
// goroutine. Enqueue never blocks: it is called from object cleanup, where
// blocking or failing would be unsafe.
type Releaser struct {
	send    SendFunc
	timeout time.Duration
	queue   chan Handle
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewReleaser(size int, timeout time.Duration, send SendFunc) *Releaser {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Releaser{
		send:    send,
		timeout: timeout,
		queue:   make(chan Handle, size),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Enqueue schedules a release notification for h and reports whether it was
// accepted.
func (r *Releaser) Enqueue(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		observability.RecordReleaseDropped()
		log.Debug().Uint64("hnd", uint64(h)).Msg("handle.Releaser closed, dropping release")
		return false
	}
	select {
	case r.queue <- h:
		return true
	default:
		observability.RecordReleaseDropped()
		log.Warn().Uint64("hnd", uint64(h)).Int("cap", cap(r.queue)).Msg("handle.Releaser queue full, dropping release")
		return false
	}
}

func (r *Releaser) loop() {
	defer close(r.done)
	for h := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.send(ctx, h)
		cancel()
		observability.RecordRelease(err)
		if err != nil {
			log.Warn().Err(err).Uint64("hnd", uint64(h)).Msg("handle.Releaser release notification failed")
			continue
		}
		log.Trace().Uint64("hnd", uint64(h)).Msg("handle.Releaser released")
	}
}

// Close stops accepting notifications, lets queued ones drain and waits for
// the dispatch goroutine.
func (r *Releaser) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
