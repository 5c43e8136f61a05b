package selector

import (
	"fmt"
	"math"
	"sort"

	"exec-router/internal/route"
)

type collector func(route.Route, error)

func (s *Selector) legSpec(req route.OrderRequest) route.LegSpec {
	return route.LegSpec{
		Side:          req.Side,
		Price:         req.Price,
		Quantity:      req.Quantity,
		ClientOrderID: req.ClientOrderID,
		FeeMode:       req.FeeMode,
		Expiration:    req.Expiration,
	}
}

// fundedLeg 构造腿并校验余额。
func (s *Selector) fundedLeg(quote route.VenueQuote, spec route.LegSpec) (route.Leg, error) {
	venue := s.venues[quote.Venue]
	leg, err := route.NewLeg(venue, quote, spec)
	if err != nil {
		return route.Leg{}, fmt.Errorf("venue %s: %w", quote.Venue, err)
	}
	if err := route.CheckFunding(leg, quote); err != nil {
		return route.Leg{}, err
	}
	return leg, nil
}

func (s *Selector) limitCandidates(req route.OrderRequest, quotes []route.VenueQuote, collect collector) {
	spec := s.legSpec(req)
	for _, q := range quotes {
		leg, err := s.fundedLeg(q, spec)
		if err != nil {
			collect(nil, err)
			continue
		}
		collect(route.NewSingleVenue(leg), nil)
	}

	if len(quotes) >= 2 {
		if r, ok, err := s.splitCandidate(req, quotes); err != nil {
			collect(nil, err)
		} else if ok {
			collect(r, nil)
		}
	}
}

type depthSlice struct {
	quote route.VenueQuote
	best  float64
	depth float64
}

// splitCandidate 按各场所在限价以内的可成交深度分配数量，余量归入最优场所。
// 单一场所即可吃满时不生成拆单。
func (s *Selector) splitCandidate(req route.OrderRequest, quotes []route.VenueQuote) (route.Route, bool, error) {
	slices := make([]depthSlice, 0, len(quotes))
	for _, q := range quotes {
		levels := q.Asks
		if req.Side == route.SideAsk {
			levels = q.Bids
		}
		depth := 0.0
		for _, level := range levels {
			if (req.Side == route.SideBid && level.Price > req.Price) ||
				(req.Side == route.SideAsk && level.Price < req.Price) {
				break
			}
			depth += level.Quantity
		}
		if depth <= 0 {
			continue
		}
		slices = append(slices, depthSlice{quote: q, best: levels[0].Price, depth: depth})
	}
	if len(slices) < 2 {
		return nil, false, nil
	}

	sort.SliceStable(slices, func(i, j int) bool {
		if slices[i].best != slices[j].best {
			if req.Side == route.SideBid {
				return slices[i].best < slices[j].best
			}
			return slices[i].best > slices[j].best
		}
		return slices[i].quote.Venue < slices[j].quote.Venue
	})
	if slices[0].depth >= req.Quantity {
		return nil, false, nil
	}
	if len(slices) > s.cfg.MaxSplitVenues {
		slices = slices[:s.cfg.MaxSplitVenues]
	}

	alloc := make([]float64, len(slices))
	remaining := req.Quantity
	for i, sl := range slices {
		take := math.Min(remaining, sl.depth)
		alloc[i] = take
		remaining -= take
	}
	alloc[0] += remaining
	// 低于场所最小下单量的碎片并入最优腿
	for i := 1; i < len(alloc); i++ {
		if alloc[i] > 0 && alloc[i] < slices[i].quote.MinSize {
			alloc[0] += alloc[i]
			alloc[i] = 0
		}
	}

	spec := s.legSpec(req)
	legs := make([]route.Leg, 0, len(slices))
	for i, sl := range slices {
		if alloc[i] <= 0 {
			continue
		}
		legSpec := spec
		legSpec.Quantity = alloc[i]
		leg, err := s.fundedLeg(sl.quote, legSpec)
		if err != nil {
			return nil, false, fmt.Errorf("split: %w", err)
		}
		legs = append(legs, leg)
	}
	if len(legs) < 2 {
		return nil, false, nil
	}

	r, err := route.NewMultiVenueSplit(legs...)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (s *Selector) replaceCandidates(req route.OrderRequest, quotes []route.VenueQuote, collect collector) {
	target := req.Replace
	for _, q := range quotes {
		if q.Venue != target.Venue {
			continue
		}
		leg, err := s.fundedLeg(q, s.legSpec(req))
		if err != nil {
			collect(nil, err)
			return
		}
		collect(route.NewCancelReplace(target.OrderID, leg))
		return
	}
	collect(nil, fmt.Errorf("selector: 撤单重挂目标 venue %s 没有行情快照", target.Venue))
}

// arbitrageCandidates 在盘口交叉的场所对之间生成闪电贷套利路由：
// 在卖一更低的场所买入，在买一更高的场所卖出。
func (s *Selector) arbitrageCandidates(req route.OrderRequest, quotes []route.VenueQuote, collect collector) {
	lender, ok := s.lender()
	if !ok {
		collect(nil, fmt.Errorf("selector: 没有提供闪电贷的 venue"))
		return
	}

	found := false
	for _, buyQuote := range quotes {
		ask := buyQuote.BestAsk()
		if ask <= 0 {
			continue
		}
		for _, sellQuote := range quotes {
			if sellQuote.Venue == buyQuote.Venue {
				continue
			}
			bid := sellQuote.BestBid()
			if bid <= ask {
				continue
			}
			found = true

			buy, err := route.NewLeg(s.venues[buyQuote.Venue], buyQuote, route.LegSpec{
				Side:          route.SideBid,
				Price:         ask,
				Quantity:      req.Quantity,
				ClientOrderID: req.ClientOrderID,
				FeeMode:       req.FeeMode,
				Expiration:    req.Expiration,
			})
			if err != nil {
				collect(nil, fmt.Errorf("arb buy %s: %w", buyQuote.Venue, err))
				continue
			}
			sell, err := route.NewLeg(s.venues[sellQuote.Venue], sellQuote, route.LegSpec{
				Side:          route.SideAsk,
				Price:         bid,
				Quantity:      buy.QuantityFloat(),
				ClientOrderID: req.ClientOrderID,
				FeeMode:       req.FeeMode,
				Expiration:    req.Expiration,
			})
			if err != nil {
				collect(nil, fmt.Errorf("arb sell %s: %w", sellQuote.Venue, err))
				continue
			}
			collect(route.NewFlashLoanArb(lender, buy, sell))
		}
	}
	if !found {
		collect(nil, fmt.Errorf("selector: pool %s 各场所盘口未交叉，没有套利空间", req.Pool))
	}
}

func (s *Selector) lender() (route.Venue, bool) {
	for _, name := range s.order {
		if v := s.venues[name]; v.FlashLoans {
			return v, true
		}
	}
	return route.Venue{}, false
}
