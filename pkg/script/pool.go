package script

import (
	"context"
	"sync"
	"time"
)

// idleSweepInterval paces shrinking the vm pool back to its floor size.
const idleSweepInterval = 10 * time.Minute

// VmPool hands out reusable expression machines with exclusive ownership
// between Acquire and Release. The pool keeps at least floor machines
// alive, grows on demand up to max and sheds idle machines back to the
// floor over time. Acquire blocks once max machines are handed out.
type VmPool[T any] struct {
	idle  chan T
	build func() T

	mu    sync.Mutex
	alive int
	max   int
	floor int
}

func NewVmPool[T any](ctx context.Context, build func() T, max int, floor int) *VmPool[T] {
	if max < floor {
		panic("vm pool floor exceeds its max size")
	}
	p := &VmPool[T]{
		idle:  make(chan T, max),
		build: build,
		alive: floor,
		max:   max,
		floor: floor,
	}
	for range floor {
		p.idle <- build()
	}
	go p.sweep(ctx)
	return p
}

// Acquire returns an exclusive vm, building a fresh one while the pool has
// headroom.
func (p *VmPool[T]) Acquire() T {
	select {
	case vm := <-p.idle:
		return vm
	default:
	}
	p.mu.Lock()
	if p.alive < p.max {
		p.alive++
		p.mu.Unlock()
		return p.build()
	}
	p.mu.Unlock()
	return <-p.idle
}

// Release hands the vm back; an overfull pool discards it.
func (p *VmPool[T]) Release(vm T) {
	select {
	case p.idle <- vm:
	default:
		p.mu.Lock()
		p.alive--
		p.mu.Unlock()
	}
}

func (p *VmPool[T]) sweep(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for len(p.idle) > p.floor {
				select {
				case <-p.idle:
					p.mu.Lock()
					p.alive--
					p.mu.Unlock()
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
