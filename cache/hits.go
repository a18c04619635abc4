package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	hitBufferSize   = 1024
	hitFlushTimeout = 5 * time.Second
)

// HitSink persists aggregated hit counts.
type HitSink interface {
	IncrementWebFingerHits(ctx context.Context, acct string, n int64) error
}

// HitRecorder counts cache hits off the request path. Record never blocks:
// when the buffer is full, the hit is dropped.
type HitRecorder struct {
	sink HitSink
	ch   chan string
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewHitRecorder(sink HitSink) *HitRecorder {
	r := &HitRecorder{
		sink: sink,
		ch:   make(chan string, hitBufferSize),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues one hit for acct. It reports false when the hit was dropped.
func (r *HitRecorder) Record(acct string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- acct:
		return true
	default:
		return false
	}
}

// Close stops accepting hits and flushes everything already queued.
func (r *HitRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *HitRecorder) run() {
	defer close(r.done)
	for acct := range r.ch {
		pending := map[string]int64{acct: 1}
	drain:
		for {
			select {
			case next, ok := <-r.ch:
				if !ok {
					break drain
				}
				pending[next]++
			default:
				break drain
			}
		}
		r.flush(pending)
	}
}

func (r *HitRecorder) flush(pending map[string]int64) {
	ctx, cancel := context.WithTimeout(context.Background(), hitFlushTimeout)
	defer cancel()
	for acct, n := range pending {
		if err := r.sink.IncrementWebFingerHits(ctx, acct, n); err != nil {
			log.Debug().Str("component", "cache").Str("acct", acct).Err(err).Msg("Dropping hit count")
		}
	}
}
