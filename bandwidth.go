package goed2k

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// BandwidthChannel is a token bucket over one direction. A zero limit
// grants everything immediately. WaitN queues callers in FIFO order.
type BandwidthChannel struct {
	limiter *rate.Limiter
}

func NewBandwidthChannel(bytesPerSecond int) *BandwidthChannel {
	if bytesPerSecond <= 0 {
		return &BandwidthChannel{limiter: rate.NewLimiter(rate.Inf, 0)}
	}

	return &BandwidthChannel{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

func (bc *BandwidthChannel) SetLimit(bytesPerSecond int) {
	if bytesPerSecond <= 0 {
		bc.limiter.SetLimit(rate.Inf)
		bc.limiter.SetBurst(0)
		return
	}

	bc.limiter.SetLimit(rate.Limit(bytesPerSecond))
	bc.limiter.SetBurst(bytesPerSecond)
}

// Request blocks the caller until quota for n bytes is granted or ctx
// is cancelled. Oversized requests split into burst-sized slices so a
// large block cannot starve the bucket forever.
func (bc *BandwidthChannel) Request(ctx context.Context, n int) error {
	if bc.limiter.Limit() == rate.Inf {
		return nil
	}

	for n > 0 {
		chunk := n
		if burst := bc.limiter.Burst(); chunk > burst {
			chunk = burst
		}

		if err := bc.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}

// HalfOpenThrottle bounds in-flight TCP connect attempts. Acquire
// either grants a slot or parks the caller on the FIFO wait list;
// Release hands the slot to the head waiter.
type HalfOpenThrottle struct {
	mutex   sync.Mutex
	limit   int
	inUse   int
	waiters []chan struct{}
}

func NewHalfOpenThrottle(limit int) *HalfOpenThrottle {
	if limit <= 0 {
		limit = 9
	}

	return &HalfOpenThrottle{limit: limit}
}

func (h *HalfOpenThrottle) TryAcquire() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.inUse >= h.limit {
		return false
	}

	h.inUse++
	return true
}

func (h *HalfOpenThrottle) Acquire(ctx context.Context) error {
	h.mutex.Lock()
	if h.inUse < h.limit {
		h.inUse++
		h.mutex.Unlock()
		return nil
	}

	slot := make(chan struct{})
	h.waiters = append(h.waiters, slot)
	h.mutex.Unlock()

	select {
	case <-slot:
		return nil
	case <-ctx.Done():
		h.abandon(slot)
		return ErrHalfOpenExhausted
	}
}

func (h *HalfOpenThrottle) abandon(slot chan struct{}) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i, w := range h.waiters {
		if w == slot {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}

	// the slot was granted concurrently with cancellation; hand it on
	h.releaseLocked()
}

func (h *HalfOpenThrottle) Release() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.releaseLocked()
}

func (h *HalfOpenThrottle) releaseLocked() {
	if len(h.waiters) > 0 {
		next := h.waiters[0]
		h.waiters = h.waiters[1:]
		close(next)
		return
	}

	if h.inUse > 0 {
		h.inUse--
	}
}

func (h *HalfOpenThrottle) InUse() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.inUse
}
