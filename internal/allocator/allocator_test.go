package allocator

import (
	"errors"
	"net"
	"sync"
	"testing"
)

func alwaysFree(int) bool { return true }

func TestAcquireReturnsLowestFree(t *testing.T) {
	p := New(7000, 10, alwaysFree)
	a, _ := p.Acquire()
	b, _ := p.Acquire()
	if a != 7000 || b != 7001 {
		t.Fatalf("expected 7000,7001 got %d,%d", a, b)
	}
	p.Release(a)
	c, _ := p.Acquire()
	if c != 7000 {
		t.Fatalf("expected released 7000 to be reused, got %d", c)
	}
}

func TestAcquireSkipsBusyHandles(t *testing.T) {
	busy := map[int]bool{7000: true, 7001: true}
	p := New(7000, 5, func(h int) bool { return !busy[h] })
	h, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h != 7002 {
		t.Fatalf("expected 7002, got %d", h)
	}
}

func TestAcquireExhausted(t *testing.T) {
	p := New(7000, 2, alwaysFree)
	_, _ = p.Acquire()
	_, _ = p.Acquire()
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	none := New(7000, 3, func(int) bool { return false })
	if _, err := none.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted when every probe fails, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(7000, 4, alwaysFree)
	h, _ := p.Acquire()
	_, _ = p.Acquire()
	p.Release(h)
	once := p.InUse()
	p.Release(h)
	if p.InUse() != once {
		t.Fatalf("second release changed pool state: %d vs %d", p.InUse(), once)
	}
	p.Release(9999)
	if p.InUse() != once {
		t.Fatalf("releasing a never-held handle changed pool state")
	}
}

func TestConcurrentAcquireNeverDuplicates(t *testing.T) {
	const n = 64
	p := New(20000, n, alwaysFree)
	var wg sync.WaitGroup
	start := make(chan struct{})
	got := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := p.Acquire()
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			got <- h
		}()
	}
	close(start)
	wg.Wait()
	close(got)

	seen := make(map[int]bool, n)
	for h := range got {
		if seen[h] {
			t.Fatalf("handle %d handed out twice", h)
		}
		seen[h] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d handles, got %d", n, len(seen))
	}
}

func TestTCPProbeDetectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Skipf("cannot bind: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	if TCPProbe(port) {
		t.Fatalf("port %d is bound, probe should report busy", port)
	}
}
