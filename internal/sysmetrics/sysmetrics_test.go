package sysmetrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSink struct {
	mu     sync.Mutex
	calls  int
	memSet bool
}

func (f *fakeSink) SetCPUPercent(float64) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}
func (f *fakeSink) SetMemoryBytes(v uint64) {
	f.mu.Lock()
	f.memSet = v > 0
	f.mu.Unlock()
}
func (f *fakeSink) SetGoroutines(int) {}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPollerSamplesUntilCancelled(t *testing.T) {
	sink := &fakeSink{}
	p := NewPoller(5*time.Millisecond, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() < 2 {
		t.Fatalf("expected at least 2 samples, got %d", sink.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPollerDisabledWhenIntervalNonPositive(t *testing.T) {
	sink := &fakeSink{}
	p := NewPoller(0, sink, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when interval <= 0")
	}
	if sink.count() != 0 {
		t.Fatalf("expected no samples, got %d", sink.count())
	}
}
