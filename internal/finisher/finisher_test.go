package finisher

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolRunsSubmittedCallback(t *testing.T) {
	p := New("test", 4, testLogger())
	defer p.Stop()

	done := make(chan struct{})
	p.Submit("seq-1", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

func TestPoolPreservesPerSequencerOrder(t *testing.T) {
	p := New("test", 8, testLogger())
	defer p.Stop()

	const n = 200
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		p.Submit("same-sequencer", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("expected %d callbacks, got %d", n, len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order violated at index %d: got %d, want %d", i, v, i)
		}
	}
}

func TestPoolDistributesAcrossShards(t *testing.T) {
	p := New("test", 4, testLogger())
	defer p.Stop()

	var ran atomic.Int32
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i%26))
		p.Submit(id, func() {
			ran.Add(1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := ran.Load(); got != n {
		t.Fatalf("expected %d callbacks to run, got %d", n, got)
	}
}

func TestSubmitNilFuncIsNoop(t *testing.T) {
	p := New("test", 2, testLogger())
	defer p.Stop()
	p.Submit("seq", nil)
}

func TestPanickingCallbackDoesNotKillShard(t *testing.T) {
	p := New("test", 1, testLogger())
	defer p.Stop()

	p.Submit("seq", func() { panic("boom") })

	done := make(chan struct{})
	p.Submit("seq", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shard goroutine did not recover from panic and continue")
	}
}

func TestStopDrainsPendingWork(t *testing.T) {
	p := New("test", 1, testLogger())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		p.Submit("seq", func() { ran.Add(1) })
	}
	p.Stop()

	if got := ran.Load(); got != 10 {
		t.Fatalf("expected all 10 queued callbacks to run before Stop returns, got %d", got)
	}
}

func TestNewClampsShardCount(t *testing.T) {
	p := New("test", 0, testLogger())
	defer p.Stop()
	if len(p.shards) != 1 {
		t.Fatalf("expected shard count clamped to 1, got %d", len(p.shards))
	}
}
