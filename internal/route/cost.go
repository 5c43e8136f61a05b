package route

import (
	"errors"
	"fmt"
	"math"
)

const defaultNoLiquidityImpact = 0.01

// Score 为执行成本的各组成部分。
type Score struct {
	Impact      float64 `json:"impact"`
	Fees        float64 `json:"fees"`
	Gas         float64 `json:"gas"`
	Improvement float64 `json:"improvement"`
	Latency     float64 `json:"latency"`
	Risk        float64 `json:"risk"`
	Total       float64 `json:"total"`
}

func (s Score) add(o Score) Score {
	return Score{
		Impact:      s.Impact + o.Impact,
		Fees:        s.Fees + o.Fees,
		Gas:         s.Gas + o.Gas,
		Improvement: s.Improvement + o.Improvement,
		Risk:        s.Risk + o.Risk,
	}
}

func (s Score) finalize(latency float64) Score {
	s.Latency = latency
	s.Total = s.Impact + s.Fees + s.Gas - s.Improvement + s.Latency + s.Risk
	return s
}

// CostModel 将路由转换为 price-of-execution。
type CostModel struct {
	BaseLatencyMs         float64
	SharedObjectLatencyMs float64
	// LatencyCostPerMs 为每毫秒预期延迟折算的成本。
	LatencyCostPerMs float64
	// NoLiquidityImpact 为对手盘为空时按名义价值计的冲击比例。
	NoLiquidityImpact float64
}

// Validate 校验共享路径的延迟惩罚严格为正。
func (m CostModel) Validate() error {
	if m.BaseLatencyMs < 0 {
		return errors.New("route: base_latency_ms 不能为负")
	}
	if m.LatencyCostPerMs <= 0 {
		return errors.New("route: latency_cost_per_ms 必须大于0")
	}
	if m.SharedObjectLatencyMs <= m.BaseLatencyMs {
		return fmt.Errorf("route: shared_object_latency_ms(%.0f) 必须大于 base_latency_ms(%.0f)",
			m.SharedObjectLatencyMs, m.BaseLatencyMs)
	}
	if m.NoLiquidityImpact < 0 {
		return errors.New("route: no_liquidity_impact 不能为负")
	}
	return nil
}

// ExpectedLatencyMs 返回对应执行路径的预期延迟。
func (m CostModel) ExpectedLatencyMs(global bool) float64 {
	if global {
		return m.SharedObjectLatencyMs
	}
	return m.BaseLatencyMs
}

// LatencyPenalty 为共享路径相对快速路径多付出的成本。
func (m CostModel) LatencyPenalty() float64 {
	return (m.SharedObjectLatencyMs - m.BaseLatencyMs) * m.LatencyCostPerMs
}

// Score 计算路由的综合成本。
func (m CostModel) Score(r Route, quotes []VenueQuote) (Score, error) {
	book := make(map[string]VenueQuote, len(quotes))
	for _, q := range quotes {
		book[q.Venue] = q
	}

	var s Score
	switch v := r.(type) {
	case SingleVenue:
		legScore, err := m.scoreLeg(v.leg, book)
		if err != nil {
			return Score{}, err
		}
		s = legScore
	case MultiVenueSplit:
		for _, leg := range v.legs {
			legScore, err := m.scoreLeg(leg, book)
			if err != nil {
				return Score{}, err
			}
			s = s.add(legScore)
		}
	case CancelReplace:
		legScore, err := m.scoreLeg(v.replace, book)
		if err != nil {
			return Score{}, err
		}
		s = legScore
		s.Gas += v.replace.Venue.GasCost
	case FlashLoanArb:
		arbScore, err := m.scoreArb(v, book)
		if err != nil {
			return Score{}, err
		}
		s = arbScore
	default:
		return Score{}, fmt.Errorf("route: 未知路由类型 %T", r)
	}

	latency := m.ExpectedLatencyMs(RequiresGlobalOrdering(r)) * m.LatencyCostPerMs
	return s.finalize(latency), nil
}

func (m CostModel) scoreLeg(leg Leg, book map[string]VenueQuote) (Score, error) {
	quote, ok := book[leg.Venue.Name]
	if !ok {
		return Score{}, fmt.Errorf("route: 缺少 venue %s 的行情快照", leg.Venue.Name)
	}

	price := leg.PriceFloat()
	qty := leg.QuantityFloat()
	notional := price * qty

	s := Score{
		Gas:  leg.Venue.GasCost,
		Risk: leg.Venue.FailureRisk * notional,
	}

	levels := quote.Asks
	if leg.Side == SideAsk {
		levels = quote.Bids
	}

	if len(levels) == 0 {
		s.Impact = notional * m.noLiquidityImpact()
		s.Fees = notional * quote.MakerFee
		return s, nil
	}

	avg := averageFill(levels, qty, quote.TickSize, leg.Side)
	diff := price - avg
	if leg.Side == SideAsk {
		diff = avg - price
	}
	if diff >= 0 {
		s.Improvement = diff * qty
	} else {
		s.Impact = -diff * qty
	}

	rate := quote.MakerFee
	if marketable(leg.Side, price, levels[0].Price) {
		rate = quote.TakerFee
	}
	s.Fees = notional * rate
	return s, nil
}

func (m CostModel) scoreArb(arb FlashLoanArb, book map[string]VenueQuote) (Score, error) {
	buyQuote, ok := book[arb.buy.Venue.Name]
	if !ok {
		return Score{}, fmt.Errorf("route: 缺少 venue %s 的行情快照", arb.buy.Venue.Name)
	}
	sellQuote, ok := book[arb.sell.Venue.Name]
	if !ok {
		return Score{}, fmt.Errorf("route: 缺少 venue %s 的行情快照", arb.sell.Venue.Name)
	}
	if len(buyQuote.Asks) == 0 || len(sellQuote.Bids) == 0 {
		return Score{}, errors.New("route: 套利两侧缺少流动性")
	}

	buyQty := arb.buy.QuantityFloat()
	sellQty := arb.sell.QuantityFloat()
	buyCost := averageFill(buyQuote.Asks, buyQty, buyQuote.TickSize, SideBid) * buyQty
	proceeds := averageFill(sellQuote.Bids, sellQty, sellQuote.TickSize, SideAsk) * sellQty
	pnl := proceeds - buyCost

	s := Score{
		Fees: buyCost*buyQuote.TakerFee + proceeds*sellQuote.TakerFee +
			arb.Borrowed().InexactFloat64()*arb.lender.FlashLoanFee,
		Gas:  arb.buy.Venue.GasCost + arb.sell.Venue.GasCost + arb.lender.GasCost,
		Risk: arb.buy.Venue.FailureRisk*buyCost + arb.sell.Venue.FailureRisk*proceeds,
	}
	if pnl >= 0 {
		s.Improvement = pnl
	} else {
		s.Impact = -pnl
	}
	return s, nil
}

func (m CostModel) noLiquidityImpact() float64 {
	if m.NoLiquidityImpact > 0 {
		return m.NoLiquidityImpact
	}
	return defaultNoLiquidityImpact
}

// averageFill 沿对手盘吃单计算平均成交价，深度不足部分按最后一档再让一个 tick 估算。
func averageFill(levels []PriceLevel, qty, tick float64, side Side) float64 {
	if qty <= 0 || len(levels) == 0 {
		return 0
	}

	remaining := qty
	cost := 0.0
	for _, level := range levels {
		if remaining <= 0 {
			break
		}
		fill := math.Min(remaining, level.Quantity)
		cost += fill * level.Price
		remaining -= fill
	}

	if remaining > 0 {
		last := levels[len(levels)-1].Price
		worst := last + tick
		if side == SideAsk {
			worst = math.Max(last-tick, 0)
		}
		cost += remaining * worst
	}

	return cost / qty
}

func marketable(side Side, limit, top float64) bool {
	if side == SideBid {
		return top <= limit
	}
	return top >= limit
}
