package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"exec-router/internal/route"
	"exec-router/internal/signing"
	"exec-router/internal/telemetry"
	"exec-router/internal/validator"
)

var testModel = route.CostModel{BaseLatencyMs: 100, SharedObjectLatencyMs: 400, LatencyCostPerMs: 1}

type fakeSigner struct{}

func (fakeSigner) Sign(_ context.Context, program []byte) ([]byte, error) {
	return []byte("sig"), nil
}

type submitFunc func(ctx context.Context, p Payload, endpoint string, call int) (Outcome, error)

type fakeTransport struct {
	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
	fn          submitFunc
}

func (f *fakeTransport) Submit(ctx context.Context, p Payload, endpoint string) (Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	call := len(f.calls)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.fn == nil {
		return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 100}, nil
	}
	return f.fn(ctx, p, endpoint, call)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingSink) Emit(ev telemetry.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *recordingSink) count(typ telemetry.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type memJournal struct {
	mu    sync.Mutex
	saved []Result
	warm  []Result
}

func (j *memJournal) Save(_ context.Context, r Result) error {
	j.mu.Lock()
	j.saved = append(j.saved, r)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) Terminal(context.Context) ([]Result, error) {
	return j.warm, nil
}

// manualTimer 让尝试超时只在测试调用 expire 时触发，其余等待（重试退避）立即结束。
type manualTimer struct {
	timeout time.Duration
	fire    chan time.Time
}

func newManualTimer(timeout time.Duration) *manualTimer {
	return &manualTimer{timeout: timeout, fire: make(chan time.Time)}
}

func (m *manualTimer) After(d time.Duration) <-chan time.Time {
	if d == m.timeout {
		return m.fire
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// expire 阻塞到正在等待的尝试收到超时。
func (m *manualTimer) expire() {
	m.fire <- time.Time{}
}

type confirmingQuerier struct{ effectsMs float64 }

func (q confirmingQuerier) Status(_ context.Context, digest, _ string) (Outcome, bool, error) {
	return Outcome{Digest: digest, Status: StatusConfirmed, EffectsMs: q.effectsMs}, true, nil
}

func newRegistry(t *testing.T, cfg validator.Config, latencies map[string]float64) *validator.Registry {
	t.Helper()
	reg := validator.New(cfg, zaptest.NewLogger(t))
	for endpoint, ms := range latencies {
		if err := reg.Register(endpoint); err != nil {
			t.Fatalf("Register returned error: %v", err)
		}
		for i := 0; i < cfg.MinObservations; i++ {
			_ = reg.RecordObservation(endpoint, ms)
		}
	}
	return reg
}

func newTestEngine(t *testing.T, cfg Config, tr Transport, reg Validators, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, fakeSigner{}, tr, reg, zaptest.NewLogger(t), opts...)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	return e
}

func testPlan(t *testing.T, venue route.Venue, clientID string) route.Plan {
	t.Helper()
	quote := route.VenueQuote{
		Venue:    venue.Name,
		Pool:     "SUI_USDC",
		Bids:     []route.PriceLevel{{Price: 0.99, Quantity: 1000}},
		Asks:     []route.PriceLevel{{Price: 1.0, Quantity: 1000}},
		TickSize: 0.001,
		LotSize:  0.1,
		MinSize:  0.1,
	}
	leg, err := route.NewLeg(venue, quote, route.LegSpec{
		Side:          route.SideBid,
		Price:         1.0,
		Quantity:      10,
		ClientOrderID: clientID,
	})
	if err != nil {
		t.Fatalf("NewLeg returned error: %v", err)
	}
	plan, err := route.NewPlan(route.NewSingleVenue(leg), testModel, []route.VenueQuote{quote})
	if err != nil {
		t.Fatalf("NewPlan returned error: %v", err)
	}
	return plan
}

func TestExecute_SingleVenueConfirmed(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	tr := &fakeTransport{fn: func(_ context.Context, p Payload, _ string, _ int) (Outcome, error) {
		return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 120}, nil
	}}
	sink := &recordingSink{}
	e := newTestEngine(t, Config{MaxRetries: 2, AttemptTimeout: time.Second}, tr, reg, WithSink(sink))

	plan := testPlan(t, route.Venue{Name: "deepbook", Resources: []route.ResourceKey{"bm-1"}}, "c-1")
	res, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Status)
	}
	if len(res.Digest) != 64 {
		t.Errorf("expected hex digest, got %q", res.Digest)
	}
	if res.EffectsMs != 120 || res.Endpoint != "A" || res.Attempts != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Quotes) != 1 {
		t.Errorf("expected placement quote snapshot in result")
	}

	rec, _ := reg.Get("A")
	if rec.Observations != 6 {
		t.Errorf("expected effects time fed back to the validator, got %d observations", rec.Observations)
	}
	for _, typ := range []telemetry.EventType{telemetry.EventPlanned, telemetry.EventSigned, telemetry.EventSubmitted, telemetry.EventConfirmed} {
		if sink.count(typ) != 1 {
			t.Errorf("expected one %s event, got %d", typ, sink.count(typ))
		}
	}
	if e.Stats().InFlightLocks != 0 {
		t.Errorf("resource locks must be released")
	}
}

func TestExecute_RotatesAfterFailure(t *testing.T) {
	cfg := validator.DefaultConfig()
	cfg.FailureThreshold = 0
	reg := newRegistry(t, cfg, map[string]float64{"A": 50, "B": 100})

	tr := &fakeTransport{fn: func(_ context.Context, p Payload, endpoint string, _ int) (Outcome, error) {
		if endpoint == "A" {
			return Outcome{}, errors.New("connection reset by peer")
		}
		return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 90}, nil
	}}
	e := newTestEngine(t, Config{MaxRetries: 3, AttemptTimeout: time.Second}, tr, reg)

	res, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-1"))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != StatusConfirmed || res.Endpoint != "B" || res.EffectsMs != 90 {
		t.Fatalf("expected confirmation on B with 90ms, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("expected two attempts, got %d", res.Attempts)
	}

	a, _ := reg.Get("A")
	if a.Failures != 1 || a.Healthy {
		t.Errorf("expected A degraded after failure, got %+v", a)
	}
	b, _ := reg.Get("B")
	if b.Observations != cfg.MinObservations+1 {
		t.Errorf("expected B to receive the observation, got %d", b.Observations)
	}
}

func TestExecute_TimeoutRotatesToNextValidator(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50, "B": 100})
	timer := newManualTimer(time.Minute)
	tr := &fakeTransport{fn: func(ctx context.Context, p Payload, endpoint string, _ int) (Outcome, error) {
		if endpoint == "A" {
			timer.expire()
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		}
		return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 80}, nil
	}}
	sink := &recordingSink{}
	e := newTestEngine(t, Config{MaxRetries: 1, AttemptTimeout: time.Minute, RetryBackoff: time.Second}, tr, reg,
		WithSink(sink), WithTimer(timer.After))

	res, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-1"))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Endpoint != "B" || res.Attempts != 2 {
		t.Errorf("expected retry on B, got %+v", res)
	}
	if st := e.Stats(); st.Timeouts != 1 || st.Submissions != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	if sink.count(telemetry.EventTimedOut) != 1 {
		t.Errorf("expected one timed_out event")
	}
	want := []string{"planned", "signed", "submitted", "timed_out", "submitted", "confirmed"}
	if got := sink.states(); !equalStrings(got, want) {
		t.Errorf("expected state sequence %v, got %v", want, got)
	}
	if res.State != StateConfirmed {
		t.Errorf("expected confirmed state on result, got %s", res.State)
	}
}

func TestExecute_DuplicateSubmitsOnce(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	tr := &fakeTransport{}
	sink := &recordingSink{}
	e := newTestEngine(t, Config{MaxRetries: 1, AttemptTimeout: time.Second}, tr, reg, WithSink(sink))
	plan := testPlan(t, route.Venue{Name: "v", Resources: []route.ResourceKey{"bm-1"}}, "c-1")

	first, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("first Execute returned error: %v", err)
	}
	second, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("second Execute returned error: %v", err)
	}

	if first.Digest != second.Digest || first.ID != second.ID || first.EffectsMs != second.EffectsMs {
		t.Errorf("expected identical results, got %+v vs %+v", first, second)
	}
	if first.Duplicate || !second.Duplicate {
		t.Errorf("expected only the second result to be flagged duplicate")
	}
	if tr.callCount() != 1 {
		t.Errorf("expected one network submission, got %d", tr.callCount())
	}
	if sink.count(telemetry.EventSubmitted) != 1 {
		t.Errorf("expected one submitted event, got %d", sink.count(telemetry.EventSubmitted))
	}
	if e.Stats().Duplicates != 1 {
		t.Errorf("expected one duplicate, got %d", e.Stats().Duplicates)
	}
}

func TestExecute_ConcurrentDuplicatesSubmitOnce(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	tr := &fakeTransport{fn: func(_ context.Context, p Payload, _ string, _ int) (Outcome, error) {
		time.Sleep(10 * time.Millisecond)
		return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 60}, nil
	}}
	e := newTestEngine(t, Config{MaxRetries: 1, AttemptTimeout: time.Second}, tr, reg)
	// 无资源键的路由不经过锁，直接在去重缓存上竞争
	plan := testPlan(t, route.Venue{Name: "v"}, "c-1")

	var g errgroup.Group
	results := make([]Result, 8)
	for i := range results {
		g.Go(func() error {
			r, err := e.Execute(context.Background(), plan)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if tr.callCount() != 1 {
		t.Fatalf("expected exactly one submission, got %d", tr.callCount())
	}
	for _, r := range results[1:] {
		if r.Digest != results[0].Digest || r.ID != results[0].ID {
			t.Errorf("expected same result for every caller")
		}
	}
}

func TestExecute_RejectionIsTerminal(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50, "B": 60})
	tr := &fakeTransport{fn: func(_ context.Context, p Payload, _ string, _ int) (Outcome, error) {
		return Outcome{Digest: p.Digest, Status: StatusRejected, Reason: "insufficient gas"}, nil
	}}
	e := newTestEngine(t, Config{MaxRetries: 3, AttemptTimeout: time.Second}, tr, reg)
	plan := testPlan(t, route.Venue{Name: "v"}, "c-1")

	res, err := e.Execute(context.Background(), plan)
	if !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Attempts != 1 || execErr.Digest != res.Digest {
		t.Errorf("expected *Error with digest and one attempt, got %v", err)
	}
	if res.Status != StatusRejected {
		t.Errorf("expected rejected status, got %s", res.Status)
	}
	if a, _ := reg.Get("A"); a.Failures != 0 {
		t.Errorf("rejection must not mark the validator failed")
	}

	_, err = e.Execute(context.Background(), plan)
	if !errors.Is(err, ErrSubmissionRejected) || tr.callCount() != 1 {
		t.Errorf("expected cached rejection without resubmission, calls=%d err=%v", tr.callCount(), err)
	}
}

func TestExecute_ExhaustedRetries(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50, "B": 60})
	tr := &fakeTransport{fn: func(context.Context, Payload, string, int) (Outcome, error) {
		return Outcome{}, errors.New("503 service unavailable")
	}}
	e := newTestEngine(t, Config{MaxRetries: 2, AttemptTimeout: time.Second}, tr, reg)

	res, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-1"))
	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if execErr.Attempts != 3 || res.Status != StatusFailed {
		t.Errorf("expected three attempts and failed status, got %d %s", execErr.Attempts, res.Status)
	}
	if res.Digest == "" || execErr.Digest != res.Digest {
		t.Errorf("expected last-known digest on the error")
	}
}

func TestExecute_NoHealthyValidatorDoesNotConsumeDigest(t *testing.T) {
	reg := validator.New(validator.DefaultConfig(), zaptest.NewLogger(t))
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{MaxRetries: 1, AttemptTimeout: time.Second}, tr, reg)
	plan := testPlan(t, route.Venue{Name: "v"}, "c-1")

	_, err := e.Execute(context.Background(), plan)
	if !errors.Is(err, validator.ErrNoHealthyValidator) {
		t.Fatalf("expected ErrNoHealthyValidator, got %v", err)
	}
	if tr.callCount() != 0 {
		t.Fatalf("nothing must be submitted without a validator")
	}

	_ = reg.Register("A")
	for i := 0; i < 5; i++ {
		_ = reg.RecordObservation("A", 40)
	}
	res, err := e.Execute(context.Background(), plan)
	if err != nil || res.Status != StatusConfirmed {
		t.Fatalf("expected retry after validator became healthy, got %+v %v", res, err)
	}
}

func TestExecute_DisjointResourcesRunInParallel(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()

	tr := &fakeTransport{fn: func(_ context.Context, p Payload, _ string, _ int) (Outcome, error) {
		arrived.Done()
		select {
		case <-both:
			return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 10}, nil
		case <-time.After(2 * time.Second):
			return Outcome{Digest: p.Digest, Status: StatusRejected, Reason: "serialized"}, nil
		}
	}}
	e := newTestEngine(t, Config{MaxRetries: 0, AttemptTimeout: 5 * time.Second}, tr, reg)

	plans := []route.Plan{
		testPlan(t, route.Venue{Name: "v1", Resources: []route.ResourceKey{"bm-1"}}, "c-1"),
		testPlan(t, route.Venue{Name: "v2", Resources: []route.ResourceKey{"bm-2"}}, "c-2"),
	}
	var g errgroup.Group
	for _, p := range plans {
		g.Go(func() error {
			_, err := e.Execute(context.Background(), p)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("disjoint executions must not wait on each other: %v", err)
	}
	if tr.maxInFlight != 2 {
		t.Errorf("expected overlapping submissions, max in flight %d", tr.maxInFlight)
	}
}

func TestExecute_SharedResourceSerializes(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	tr := &fakeTransport{fn: func(_ context.Context, p Payload, _ string, _ int) (Outcome, error) {
		time.Sleep(5 * time.Millisecond)
		return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 10}, nil
	}}
	e := newTestEngine(t, Config{MaxRetries: 0, AttemptTimeout: time.Second}, tr, reg)
	venue := route.Venue{Name: "v", Resources: []route.ResourceKey{"bm-shared"}}

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		plan := testPlan(t, venue, string(rune('a'+i)))
		g.Go(func() error {
			_, err := e.Execute(context.Background(), plan)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if tr.callCount() != 5 {
		t.Fatalf("expected five submissions, got %d", tr.callCount())
	}
	if tr.maxInFlight != 1 {
		t.Errorf("submissions sharing a resource overlapped: max in flight %d", tr.maxInFlight)
	}
}

func TestExecute_ResourceContention(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	arena := NewLockArena()
	e := newTestEngine(t, Config{MaxRetries: 0, AttemptTimeout: time.Second, LockWait: 20 * time.Millisecond},
		&fakeTransport{}, reg, WithLockArena(arena))

	release, err := arena.Acquire(context.Background(), []route.ResourceKey{"bm-1"}, 0)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	defer release()

	_, err = e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v", Resources: []route.ResourceKey{"bm-1"}}, "c-1"))
	if !errors.Is(err, ErrResourceContention) {
		t.Fatalf("expected ErrResourceContention, got %v", err)
	}
}

func TestExecute_HonorsOutOfBandConfirmation(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50, "B": 60})
	var e *Engine
	tr := &fakeTransport{fn: func(_ context.Context, p Payload, _ string, call int) (Outcome, error) {
		if call == 1 {
			e.ConfirmOutOfBand(p.Digest, 77)
			return Outcome{}, errors.New("stream closed")
		}
		return Outcome{Digest: p.Digest, Status: StatusConfirmed, EffectsMs: 10}, nil
	}}
	e = newTestEngine(t, Config{MaxRetries: 3, AttemptTimeout: time.Second}, tr, reg)

	res, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-1"))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != StatusConfirmed || res.EffectsMs != 77 {
		t.Errorf("expected out-of-band confirmation, got %+v", res)
	}
	if tr.callCount() != 1 {
		t.Errorf("retry must short-circuit after out-of-band confirmation, calls=%d", tr.callCount())
	}
}

func TestExecute_ConfirmationDuringAttemptWins(t *testing.T) {
	cases := []struct {
		name    string
		outcome Outcome
	}{
		{"rejected", Outcome{Status: StatusRejected, Reason: "already executed"}},
		{"failed on chain", Outcome{Status: StatusFailed, Reason: "object version mismatch"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
			entered := make(chan string, 1)
			release := make(chan struct{})
			tr := &fakeTransport{fn: func(_ context.Context, p Payload, _ string, _ int) (Outcome, error) {
				entered <- p.Digest
				<-release
				out := tc.outcome
				out.Digest = p.Digest
				return out, nil
			}}
			e := newTestEngine(t, Config{MaxRetries: 2, AttemptTimeout: time.Minute}, tr, reg)

			type reply struct {
				res Result
				err error
			}
			done := make(chan reply, 1)
			go func() {
				res, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-1"))
				done <- reply{res, err}
			}()

			digest := <-entered
			if !e.ConfirmOutOfBand(digest, 42) {
				t.Fatalf("expected confirmation to be accepted for in-flight digest")
			}
			close(release)
			r := <-done

			if r.err != nil {
				t.Fatalf("expected nil error after confirmation, got %v", r.err)
			}
			if r.res.Status != StatusConfirmed || r.res.EffectsMs != 42 || r.res.State != StateConfirmed {
				t.Errorf("expected confirmed result with 42ms, got %+v", r.res)
			}
			cached, ok := e.Lookup(digest)
			if !ok || cached.Status != StatusConfirmed {
				t.Errorf("expected cache to keep the confirmation, got %+v", cached)
			}
			if st := e.Stats(); st.Confirmed != 1 || st.Rejected != 0 || st.Failed != 0 {
				t.Errorf("unexpected stats %+v", st)
			}
			if tr.callCount() != 1 {
				t.Errorf("expected a single submission, got %d", tr.callCount())
			}
		})
	}
}

func TestConfirmOutOfBand_ReclassifiesFailedStats(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	tr := &fakeTransport{fn: func(context.Context, Payload, string, int) (Outcome, error) {
		return Outcome{}, errors.New("503 service unavailable")
	}}
	e := newTestEngine(t, Config{MaxRetries: 0, AttemptTimeout: time.Minute}, tr, reg)

	res, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-1"))
	if err == nil || res.Status != StatusFailed {
		t.Fatalf("expected failed execution, got %+v %v", res, err)
	}
	if st := e.Stats(); st.Failed != 1 || st.SuccessRate != 0 {
		t.Fatalf("unexpected stats before confirmation %+v", st)
	}

	if !e.ConfirmOutOfBand(res.Digest, 250) {
		t.Fatalf("expected failed result to be overwritten")
	}
	st := e.Stats()
	if st.Failed != 0 || st.Confirmed != 1 || st.SuccessRate != 1 || st.AvgEffectsMs != 250 {
		t.Errorf("expected stats to count the confirmation, got %+v", st)
	}
	if e.ConfirmOutOfBand(res.Digest, 300) {
		t.Errorf("second confirmation must be a no-op")
	}
	if e.Stats().Confirmed != 1 {
		t.Errorf("repeated confirmation must not be counted twice")
	}
}

func TestConfirmOutOfBand_RestoredEntryLeavesStatsAlone(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	journal := &memJournal{warm: []Result{{ID: "old", Digest: "d-old", Status: StatusFailed, Attempts: 3}}}
	e := newTestEngine(t, Config{}, &fakeTransport{}, reg, WithJournal(journal))
	if _, err := e.Warm(context.Background()); err != nil {
		t.Fatalf("Warm returned error: %v", err)
	}

	if !e.ConfirmOutOfBand("d-old", 90) {
		t.Fatalf("expected restored failure to be overwritten")
	}
	if st := e.Stats(); st.Failed != 0 || st.Confirmed != 0 {
		t.Errorf("restored entries are not counted, got %+v", st)
	}
	if res, _ := e.Lookup("d-old"); res.Status != StatusConfirmed {
		t.Errorf("expected confirmed lookup, got %+v", res)
	}
}

func TestEngine_WarmSkipsNonTerminalRows(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	journal := &memJournal{warm: []Result{
		{ID: "a", Digest: "d-a", Status: StatusConfirmed, State: StateConfirmed},
		{ID: "b", Digest: "d-b", State: StateSubmitted},
	}}
	e := newTestEngine(t, Config{}, &fakeTransport{}, reg, WithJournal(journal))

	n, err := e.Warm(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one restored entry, got %d %v", n, err)
	}
	if _, ok := e.Lookup("d-b"); ok {
		t.Errorf("non-terminal row must not occupy the cache")
	}
}

func TestState_Transitions(t *testing.T) {
	allowed := [][2]State{
		{"", StatePlanned},
		{StatePlanned, StateSigned},
		{StateSigned, StateSubmitted},
		{StateSubmitted, StateTimedOut},
		{StateTimedOut, StateSubmitted},
		{StateSubmitted, StateRejected},
		{StateTimedOut, StateFailed},
		{StateSigned, StateConfirmed},
	}
	for _, tr := range allowed {
		if !tr[0].CanTransition(tr[1]) {
			t.Errorf("expected %q -> %q to be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]State{
		{StatePlanned, StateSubmitted},
		{StateConfirmed, StateSubmitted},
		{StateRejected, StateConfirmed},
		{StateTimedOut, StateRejected},
	}
	for _, tr := range denied {
		if tr[0].CanTransition(tr[1]) {
			t.Errorf("expected %q -> %q to be rejected", tr[0], tr[1])
		}
	}
	if !StateFailed.Terminal() || StateTimedOut.Terminal() {
		t.Errorf("unexpected terminal classification")
	}
}

func TestExecute_StatusQueryAfterTimeout(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50, "B": 60})
	timer := newManualTimer(time.Minute)
	tr := &fakeTransport{fn: func(ctx context.Context, _ Payload, _ string, _ int) (Outcome, error) {
		timer.expire()
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}}
	e := newTestEngine(t, Config{MaxRetries: 3, AttemptTimeout: time.Minute}, tr, reg,
		WithStatusQuerier(confirmingQuerier{effectsMs: 55}), WithTimer(timer.After))

	res, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-1"))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != StatusConfirmed || res.EffectsMs != 55 || res.Attempts != 1 {
		t.Errorf("expected confirmation from status query, got %+v", res)
	}
}

func TestEngine_WarmFromJournal(t *testing.T) {
	reg := newRegistry(t, validator.DefaultConfig(), map[string]float64{"A": 50})
	plan := testPlan(t, route.Venue{Name: "v"}, "c-1")
	prog, _ := Compile(plan)
	raw, _ := prog.Bytes()
	digest := signing.Digest(raw)

	journal := &memJournal{warm: []Result{{ID: "old", Digest: digest, Status: StatusConfirmed, EffectsMs: 33}}}
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{MaxRetries: 1, AttemptTimeout: time.Second}, tr, reg, WithJournal(journal))

	if n, err := e.Warm(context.Background()); err != nil || n != 1 {
		t.Fatalf("Warm returned %d, %v", n, err)
	}
	res, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.ID != "old" || tr.callCount() != 0 {
		t.Errorf("expected cached journal result without submission, got %+v calls=%d", res, tr.callCount())
	}

	other, err := e.Execute(context.Background(), testPlan(t, route.Venue{Name: "v"}, "c-2"))
	if err != nil || other.Status != StatusConfirmed {
		t.Fatalf("Execute returned %+v, %v", other, err)
	}
	if len(journal.saved) != 1 || journal.saved[0].Digest != other.Digest {
		t.Errorf("expected terminal result persisted, got %+v", journal.saved)
	}
}

func TestCompile_FlashLoanSteps(t *testing.T) {
	quoteA := route.VenueQuote{Venue: "a", Pool: "SUI_USDC", Asks: []route.PriceLevel{{Price: 1, Quantity: 100}}, TickSize: 0.01, LotSize: 1, MinSize: 1}
	quoteB := route.VenueQuote{Venue: "b", Pool: "SUI_USDC", Bids: []route.PriceLevel{{Price: 1.1, Quantity: 100}}, TickSize: 0.01, LotSize: 1, MinSize: 1}
	buy, _ := route.NewLeg(route.Venue{Name: "a"}, quoteA, route.LegSpec{Side: route.SideBid, Price: 1, Quantity: 10})
	sell, _ := route.NewLeg(route.Venue{Name: "b"}, quoteB, route.LegSpec{Side: route.SideAsk, Price: 1.1, Quantity: 10})
	arb, err := route.NewFlashLoanArb(route.Venue{Name: "lender", FlashLoans: true, Resources: []route.ResourceKey{"pool"}}, buy, sell)
	if err != nil {
		t.Fatalf("NewFlashLoanArb returned error: %v", err)
	}
	plan, err := route.NewPlan(arb, testModel, []route.VenueQuote{quoteA, quoteB})
	if err != nil {
		t.Fatalf("NewPlan returned error: %v", err)
	}

	prog, err := Compile(plan)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	want := []Op{OpFlashBorrow, OpPlaceLimitOrder, OpPlaceLimitOrder, OpFlashRepay}
	if len(prog.Steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(prog.Steps))
	}
	for i, op := range want {
		if prog.Steps[i].Op != op {
			t.Errorf("step %d: expected %s, got %s", i, op, prog.Steps[i].Op)
		}
	}
	if prog.Steps[0].Amount != "10" || !prog.Global {
		t.Errorf("unexpected program %+v", prog)
	}

	a, _ := prog.Bytes()
	b, _ := prog.Bytes()
	if string(a) != string(b) {
		t.Errorf("program bytes must be deterministic")
	}
}
