// Package allocator hands out reusable integer handles (TCP ports) from a
// bounded range starting at a fixed base.
package allocator

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

var ErrExhausted = errors.New("no free handle in range")

// Prober reports whether the OS resource behind a handle can be claimed.
type Prober func(handle int) bool

// TCPProbe treats a port as free when it can be bound on all interfaces.
func TCPProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Pool tracks handles in [base, base+size). Acquire returns the lowest
// handle that is neither held nor rejected by the prober.
type Pool struct {
	mu    sync.Mutex
	base  int
	size  int
	inUse map[int]struct{}
	probe Prober
}

func New(base, size int, probe Prober) *Pool {
	if probe == nil {
		probe = TCPProbe
	}
	return &Pool{base: base, size: size, inUse: make(map[int]struct{}), probe: probe}
}

func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h := p.base; h < p.base+p.size; h++ {
		if _, held := p.inUse[h]; held {
			continue
		}
		if !p.probe(h) {
			continue
		}
		p.inUse[h] = struct{}{}
		return h, nil
	}
	return 0, fmt.Errorf("%w [%d,%d)", ErrExhausted, p.base, p.base+p.size)
}

// Release returns a handle to the pool. Releasing a free handle is a no-op.
func (p *Pool) Release(h int) {
	p.mu.Lock()
	delete(p.inUse, h)
	p.mu.Unlock()
}

func (p *Pool) Held(h int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[h]
	return ok
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
