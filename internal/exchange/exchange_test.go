package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap/zaptest"

	"exec-router/internal/config"
	"exec-router/internal/route"
)

type stubPricer struct {
	mu    sync.Mutex
	mids  map[string]float64
	err   error
	calls int
}

func (s *stubPricer) ReferenceMid(_ context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	mid, ok := s.mids[symbol]
	if !ok {
		return 0, errors.New("unknown symbol")
	}
	return mid, nil
}

func planAt(t *testing.T, price float64) route.Plan {
	t.Helper()
	v := route.Venue{Name: "deepbook"}
	q := route.VenueQuote{
		Venue:    "deepbook",
		Pool:     "SUI_USDC",
		Asks:     []route.PriceLevel{{Price: price, Quantity: 10}},
		TickSize: 0.001,
		LotSize:  0.1,
		MinSize:  0.1,
	}
	leg, err := route.NewLeg(v, q, route.LegSpec{Side: route.SideBid, Price: price, Quantity: 1})
	if err != nil {
		t.Fatalf("NewLeg returned error: %v", err)
	}
	plan, err := route.NewPlan(route.NewSingleVenue(leg), route.CostModel{BaseLatencyMs: 1, SharedObjectLatencyMs: 2}, []route.VenueQuote{q})
	if err != nil {
		t.Fatalf("NewPlan returned error: %v", err)
	}
	return plan
}

func guardConfig() config.GuardConfig {
	return config.GuardConfig{
		MaxDeviation: 0.05,
		CacheTTL:     time.Minute,
		Symbols:      []config.SymbolMapping{{Pool: "SUI_USDC", Symbol: "SUI/USDT:USDT"}},
	}
}

func TestPriceGuard_BlocksDeviation(t *testing.T) {
	pricer := &stubPricer{mids: map[string]float64{"SUI/USDT:USDT": 1.0}}
	g, err := NewPriceGuard(guardConfig(), pricer, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPriceGuard returned error: %v", err)
	}
	ctx := context.Background()

	if err := g.Check(ctx, planAt(t, 1.02)); err != nil {
		t.Errorf("expected price within band to pass, got %v", err)
	}

	err = g.Check(ctx, planAt(t, 1.2))
	if !errors.Is(err, ErrPriceDeviation) {
		t.Fatalf("expected ErrPriceDeviation, got %v", err)
	}
	var devErr *DeviationError
	if !errors.As(err, &devErr) || devErr.Venue != "deepbook" || devErr.Reference != 1.0 {
		t.Errorf("unexpected deviation error: %+v", devErr)
	}

	if pricer.calls != 1 {
		t.Errorf("expected cached reference, got %d fetches", pricer.calls)
	}
}

func TestPriceGuard_FailOpenAndClosed(t *testing.T) {
	pricer := &stubPricer{err: ErrMaintenance}
	cfg := guardConfig()

	cfg.FailOpen = true
	open, _ := NewPriceGuard(cfg, pricer, zaptest.NewLogger(t))
	if err := open.Check(context.Background(), planAt(t, 5)); err != nil {
		t.Errorf("expected fail-open guard to pass, got %v", err)
	}

	cfg.FailOpen = false
	closed, _ := NewPriceGuard(cfg, pricer, zaptest.NewLogger(t))
	if err := closed.Check(context.Background(), planAt(t, 1)); !errors.Is(err, ErrMaintenance) {
		t.Errorf("expected maintenance error, got %v", err)
	}
}

func TestPriceGuard_UnmappedPoolPasses(t *testing.T) {
	pricer := &stubPricer{}
	cfg := guardConfig()
	cfg.Symbols = nil
	g, _ := NewPriceGuard(cfg, pricer, nil)
	if err := g.Check(context.Background(), planAt(t, 100)); err != nil {
		t.Errorf("expected unmapped pool to pass, got %v", err)
	}
	if pricer.calls != 0 {
		t.Errorf("expected no reference fetch")
	}
}

func TestPriceGuard_RefreshFillsCache(t *testing.T) {
	pricer := &stubPricer{mids: map[string]float64{"SUI/USDT:USDT": 1.0}}
	g, _ := NewPriceGuard(guardConfig(), pricer, nil)
	if err := g.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	_ = g.Check(context.Background(), planAt(t, 1.0))
	if pricer.calls != 1 {
		t.Errorf("expected Check to reuse refreshed reference, got %d fetches", pricer.calls)
	}
}

func TestReferenceService_PropagatesFailure(t *testing.T) {
	svc := NewReferenceService(&stubPricer{mids: map[string]float64{"A": 1}}, nil)
	if _, err := svc.Mids(context.Background(), []string{"A", "B"}); err == nil {
		t.Errorf("expected error when one symbol fails")
	}
	mids, err := svc.Mids(context.Background(), []string{"A"})
	if err != nil || mids["A"] != 1 {
		t.Errorf("unexpected mids %v %v", mids, err)
	}
}

func TestClassifyError(t *testing.T) {
	if _, retry := classifyError(context.Canceled); retry {
		t.Errorf("context cancellation must not be retried")
	}

	netErr := &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}
	if _, retry := classifyError(netErr); !retry {
		t.Errorf("network errors should be retried")
	}
	if !IsRetryable(netErr) {
		t.Errorf("IsRetryable should accept network errors")
	}

	maint := &ccxt.Error{Type: ccxt.OnMaintenanceErrType}
	err, retry := classifyError(maint)
	if retry || !errors.Is(err, ErrMaintenance) {
		t.Errorf("maintenance should map to ErrMaintenance without retry, got %v %v", err, retry)
	}
}

func TestOrderBookSnapshot_Mid(t *testing.T) {
	book := OrderBookSnapshot{
		Bids: []OrderBookLevel{{Price: 0.99, Amount: 1}},
		Asks: []OrderBookLevel{{Price: 1.01, Amount: 1}},
	}
	if mid := book.Mid(); mid < 0.9999 || mid > 1.0001 {
		t.Errorf("unexpected mid %v", mid)
	}
	if (OrderBookSnapshot{}).Mid() != 0 {
		t.Errorf("empty book should have zero mid")
	}
}
