package route

import (
	"errors"
	"math"
	"testing"
)

func TestQuantize_FloorsToTickAndLot(t *testing.T) {
	price, size, err := Quantize(1.23456, 10.37, Constraints{TickSize: 0.001, LotSize: 0.1, MinSize: 1})
	if err != nil {
		t.Fatalf("Quantize returned error: %v", err)
	}
	if got := price.String(); got != "1.234" {
		t.Errorf("expected price 1.234, got %s", got)
	}
	if got := size.String(); got != "10.3" {
		t.Errorf("expected size 10.3, got %s", got)
	}
}

func TestQuantize_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		price float64
		size  float64
		c     Constraints
		field string
	}{
		{"below min size", 1, 0.5, Constraints{TickSize: 0.01, LotSize: 0.1, MinSize: 1}, "quantity"},
		{"below one tick", 0.004, 5, Constraints{TickSize: 0.01, LotSize: 0.1, MinSize: 1}, "price"},
		{"zero tick", 1, 5, Constraints{TickSize: 0, LotSize: 0.1, MinSize: 1}, "tick_size"},
		{"nan price", math.NaN(), 5, Constraints{TickSize: 0.01, LotSize: 0.1, MinSize: 1}, "price"},
		{"lot floor under min", 1, 1.5, Constraints{TickSize: 0.01, LotSize: 1, MinSize: 1.5}, "quantity"},
		{"negative size", 1, -2, Constraints{TickSize: 0.01, LotSize: 0.1, MinSize: 1}, "quantity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Quantize(tc.price, tc.size, tc.c)
			if !errors.Is(err, ErrQuantization) {
				t.Fatalf("expected ErrQuantization, got %v", err)
			}
			var qerr *QuantizationError
			if !errors.As(err, &qerr) {
				t.Fatalf("expected *QuantizationError, got %T", err)
			}
			if qerr.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, qerr.Field)
			}
		})
	}
}

func TestNewLeg_RejectsMismatchedQuote(t *testing.T) {
	_, err := NewLeg(Venue{Name: "a"}, testQuote("b", 100, 10), LegSpec{Side: SideBid, Price: 100, Quantity: 1})
	if err == nil {
		t.Fatalf("expected venue mismatch error")
	}
}

func TestCostModel_SharedLatencyOnlyAffectsGlobalRoutes(t *testing.T) {
	fast := Venue{Name: "fast"}
	shared := Venue{Name: "shared", SharedState: true}
	quotes := []VenueQuote{testQuote("fast", 100, 10), testQuote("shared", 100, 10)}

	fastLeg := mustLeg(t, fast, quotes[0], 100, 1)
	sharedLeg := mustLeg(t, shared, quotes[1], 100, 1)

	low := CostModel{BaseLatencyMs: 100, SharedObjectLatencyMs: 400, LatencyCostPerMs: 1}
	high := low
	high.SharedObjectLatencyMs = 900

	fastLow, _ := low.Score(NewSingleVenue(fastLeg), quotes)
	fastHigh, _ := high.Score(NewSingleVenue(fastLeg), quotes)
	if fastLow.Total != fastHigh.Total {
		t.Errorf("fast path score changed: %v -> %v", fastLow.Total, fastHigh.Total)
	}

	sharedLow, _ := low.Score(NewSingleVenue(sharedLeg), quotes)
	sharedHigh, _ := high.Score(NewSingleVenue(sharedLeg), quotes)
	if !(sharedHigh.Total > sharedLow.Total) {
		t.Errorf("expected shared score to increase: %v -> %v", sharedLow.Total, sharedHigh.Total)
	}
}

func TestCostModel_ImprovementAndImpact(t *testing.T) {
	v := Venue{Name: "v", GasCost: 2, FailureRisk: 0.001}
	quote := VenueQuote{
		Venue:    "v",
		Pool:     "SUI_USDC",
		Asks:     []PriceLevel{{Price: 99, Quantity: 1}, {Price: 101, Quantity: 1}},
		Bids:     []PriceLevel{{Price: 98, Quantity: 5}},
		TickSize: 1,
		LotSize:  1,
		MinSize:  1,
		TakerFee: 0.01,
		MakerFee: 0.001,
	}
	model := CostModel{BaseLatencyMs: 10, SharedObjectLatencyMs: 20, LatencyCostPerMs: 0.1}

	// 两档平均价 100，等于限价：无冲击无改善
	leg := mustLeg(t, v, quote, 100, 2)
	score, err := model.Score(NewSingleVenue(leg), []VenueQuote{quote})
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if score.Impact != 0 || score.Improvement != 0 {
		t.Errorf("expected no impact/improvement, got %+v", score)
	}
	if diff := math.Abs(score.Fees - 200*0.01); diff > 1e-9 {
		t.Errorf("expected taker fee 2, got %v", score.Fees)
	}
	want := 2.0 + 2.0 + 0.2 + 1.0
	if diff := math.Abs(score.Total - want); diff > 1e-9 {
		t.Errorf("expected total %v, got %v", want, score.Total)
	}

	// 超出深度的部分按最后一档 + tick 估算
	leg = mustLeg(t, v, quote, 100, 3)
	score, _ = model.Score(NewSingleVenue(leg), []VenueQuote{quote})
	if diff := math.Abs(score.Impact - 2); diff > 1e-9 {
		t.Errorf("expected impact 2, got %v", score.Impact)
	}
}

func TestResourcesAndGlobalOrdering(t *testing.T) {
	a := Venue{Name: "a", Resources: []ResourceKey{"bm-1"}}
	b := Venue{Name: "b", SharedState: true, Resources: []ResourceKey{"bm-2", "bm-1"}}
	qa, qb := testQuote("a", 100, 10), testQuote("b", 100, 10)

	split, err := NewMultiVenueSplit(mustLeg(t, a, qa, 100, 1), mustLeg(t, b, qb, 100, 1))
	if err != nil {
		t.Fatalf("NewMultiVenueSplit returned error: %v", err)
	}
	if !RequiresGlobalOrdering(split) {
		t.Errorf("split touching shared venue must require global ordering")
	}
	keys := Resources(split)
	if len(keys) != 2 || keys[0] != "bm-1" || keys[1] != "bm-2" {
		t.Errorf("unexpected resources %v", keys)
	}

	if _, err := NewMultiVenueSplit(mustLeg(t, a, qa, 100, 1)); err == nil {
		t.Errorf("expected single-leg split to be rejected")
	}
	if _, err := NewCancelReplace("42", mustLeg(t, a, qa, 100, 1)); err == nil {
		t.Errorf("expected cancel/replace on unsupported venue to be rejected")
	}

	lender := Venue{Name: "lender", FlashLoans: true, Resources: []ResourceKey{"pool-1"}}
	arb, err := NewFlashLoanArb(lender,
		mustLegSide(t, a, qa, SideBid, 100, 1),
		mustLegSide(t, b, qb, SideAsk, 100, 1),
	)
	if err != nil {
		t.Fatalf("NewFlashLoanArb returned error: %v", err)
	}
	if !RequiresGlobalOrdering(arb) {
		t.Errorf("flash loan must require global ordering")
	}
	if got := Venues(arb); len(got) != 3 {
		t.Errorf("expected three venues, got %v", got)
	}
}

func testQuote(venue string, price, depth float64) VenueQuote {
	return VenueQuote{
		Venue:    venue,
		Pool:     "SUI_USDC",
		Bids:     []PriceLevel{{Price: price, Quantity: depth}},
		Asks:     []PriceLevel{{Price: price, Quantity: depth}},
		TickSize: 0.01,
		LotSize:  0.1,
		MinSize:  0.1,
	}
}

func mustLeg(t *testing.T, v Venue, q VenueQuote, price, qty float64) Leg {
	return mustLegSide(t, v, q, SideBid, price, qty)
}

func mustLegSide(t *testing.T, v Venue, q VenueQuote, side Side, price, qty float64) Leg {
	t.Helper()
	leg, err := NewLeg(v, q, LegSpec{Side: side, Price: price, Quantity: qty, ClientOrderID: "1"})
	if err != nil {
		t.Fatalf("NewLeg returned error: %v", err)
	}
	return leg
}
