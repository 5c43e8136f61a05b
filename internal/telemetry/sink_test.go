package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type blockingSink struct {
	release chan struct{}
}

func (b blockingSink) Emit(Event) { <-b.release }

func TestAsync_DeliversAndDrains(t *testing.T) {
	rec := &recorder{}
	async := NewAsync(rec, 16, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		async.Emit(Event{Type: EventSubmitted, Attempt: i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go async.Run(ctx)
	cancel()

	select {
	case <-async.Done():
	case <-time.After(time.Second):
		t.Fatalf("Run did not exit after cancel")
	}
	if rec.count() != 10 {
		t.Errorf("expected 10 delivered events, got %d", rec.count())
	}
}

func TestAsync_EmitNeverBlocks(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	async := NewAsync(sink, 1, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go async.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			async.Emit(Event{Type: EventConfirmed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Emit blocked on a stalled sink")
	}
	if async.Dropped() == 0 {
		t.Errorf("expected dropped events when the queue is full")
	}
	close(sink.release)
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout{a, nil, b}.Emit(Event{Type: EventPlanned})
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected each sink to receive one event, got %d/%d", a.count(), b.count())
	}
}

func TestPrometheus_CountsSubmissions(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatalf("NewPrometheus returned error: %v", err)
	}

	p.Emit(Event{Type: EventSubmitted, Endpoint: "v1", RouteKind: "single_venue"})
	p.Emit(Event{Type: EventSubmitted, Endpoint: "v1", RouteKind: "single_venue"})
	p.Emit(Event{Type: EventConfirmed, Endpoint: "v1", RouteKind: "single_venue", LatencyMs: 120})

	if got := testutil.ToFloat64(p.submissions.WithLabelValues("v1")); got != 2 {
		t.Errorf("expected 2 submissions, got %v", got)
	}
	if got := testutil.ToFloat64(p.events.WithLabelValues("confirmed", "single_venue")); got != 1 {
		t.Errorf("expected 1 confirmed event, got %v", got)
	}

	if _, err := NewPrometheus(reg); err == nil {
		t.Errorf("expected duplicate registration to fail")
	}
}
