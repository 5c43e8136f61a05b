package route

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Kind 标识路由变体。
type Kind string

const (
	KindSingleVenue     Kind = "single_venue"
	KindMultiVenueSplit Kind = "multi_venue_split"
	KindCancelReplace   Kind = "cancel_replace"
	KindFlashLoanArb    Kind = "flash_loan_arb"
)

// Rank 用于同分时的稳定排序。
func (k Kind) Rank() int {
	switch k {
	case KindSingleVenue:
		return 0
	case KindCancelReplace:
		return 1
	case KindMultiVenueSplit:
		return 2
	case KindFlashLoanArb:
		return 3
	default:
		return 4
	}
}

// Route 是封闭的路由联合类型，只有本包内的四种变体实现它。
type Route interface {
	Kind() Kind
	isRoute()
}

// Leg 为单个场所上的一笔已量化委托。
type Leg struct {
	Venue         Venue
	Pool          string
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
	FeeMode       FeeMode
	Expiration    time.Time
}

// LegSpec 为构造 Leg 的原始参数。
type LegSpec struct {
	Side          Side
	Price         float64
	Quantity      float64
	ClientOrderID string
	FeeMode       FeeMode
	Expiration    time.Time
}

// NewLeg 按快照约束量化价格与数量，量化失败时返回 QuantizationError。
func NewLeg(venue Venue, quote VenueQuote, spec LegSpec) (Leg, error) {
	if venue.Name != quote.Venue {
		return Leg{}, fmt.Errorf("route: 快照场所 %s 与 venue %s 不一致", quote.Venue, venue.Name)
	}
	if spec.Side != SideBid && spec.Side != SideAsk {
		return Leg{}, fmt.Errorf("route: 未知方向 %q", spec.Side)
	}

	price, size, err := Quantize(spec.Price, spec.Quantity, quote.Constraints())
	if err != nil {
		return Leg{}, err
	}

	venue.Resources = append([]ResourceKey(nil), venue.Resources...)
	return Leg{
		Venue:         venue,
		Pool:          quote.Pool,
		Side:          spec.Side,
		Price:         price,
		Quantity:      size,
		ClientOrderID: spec.ClientOrderID,
		FeeMode:       spec.FeeMode,
		Expiration:    spec.Expiration,
	}, nil
}

// PriceFloat 返回浮点价格。
func (l Leg) PriceFloat() float64 {
	return l.Price.InexactFloat64()
}

// QuantityFloat 返回浮点数量。
func (l Leg) QuantityFloat() float64 {
	return l.Quantity.InexactFloat64()
}

// Notional 返回名义价值。
func (l Leg) Notional() float64 {
	return l.Price.Mul(l.Quantity).InexactFloat64()
}

// SingleVenue 为单场所单笔委托。
type SingleVenue struct {
	leg Leg
}

func (SingleVenue) Kind() Kind { return KindSingleVenue }
func (SingleVenue) isRoute()   {}

// Leg 返回委托腿。
func (r SingleVenue) Leg() Leg { return r.leg }

// MultiVenueSplit 将同一请求拆分到多个场所。
type MultiVenueSplit struct {
	legs []Leg
}

func (MultiVenueSplit) Kind() Kind { return KindMultiVenueSplit }
func (MultiVenueSplit) isRoute()   {}

// Legs 返回各腿的副本。
func (r MultiVenueSplit) Legs() []Leg {
	return append([]Leg(nil), r.legs...)
}

// CancelReplace 先撤销既有订单再挂新单。
type CancelReplace struct {
	cancelOrderID string
	replace       Leg
}

func (CancelReplace) Kind() Kind { return KindCancelReplace }
func (CancelReplace) isRoute()   {}

func (r CancelReplace) CancelOrderID() string { return r.cancelOrderID }
func (r CancelReplace) Replace() Leg          { return r.replace }

// FlashLoanArb 借入资金，在一个场所买入、另一个场所卖出并归还借款。
type FlashLoanArb struct {
	lender Venue
	buy    Leg
	sell   Leg
}

func (FlashLoanArb) Kind() Kind { return KindFlashLoanArb }
func (FlashLoanArb) isRoute()   {}

func (r FlashLoanArb) Lender() Venue { return r.lender }
func (r FlashLoanArb) Buy() Leg      { return r.buy }
func (r FlashLoanArb) Sell() Leg     { return r.sell }

// Borrowed 返回需要借入的报价资产数量。
func (r FlashLoanArb) Borrowed() decimal.Decimal {
	return r.buy.Price.Mul(r.buy.Quantity)
}

// NewSingleVenue 构造单场所路由。
func NewSingleVenue(leg Leg) Route {
	return SingleVenue{leg: leg}
}

// NewMultiVenueSplit 构造拆单路由，要求至少两腿且场所互不相同。
func NewMultiVenueSplit(legs ...Leg) (Route, error) {
	if len(legs) < 2 {
		return nil, errors.New("route: 拆单路由至少需要两腿")
	}
	seen := make(map[string]struct{}, len(legs))
	for _, leg := range legs {
		if _, dup := seen[leg.Venue.Name]; dup {
			return nil, fmt.Errorf("route: 拆单路由包含重复场所 %s", leg.Venue.Name)
		}
		seen[leg.Venue.Name] = struct{}{}
		if leg.Side != legs[0].Side || leg.Pool != legs[0].Pool {
			return nil, errors.New("route: 拆单路由各腿方向与 pool 必须一致")
		}
	}
	return MultiVenueSplit{legs: append([]Leg(nil), legs...)}, nil
}

// NewCancelReplace 构造撤单重挂路由。
func NewCancelReplace(cancelOrderID string, replace Leg) (Route, error) {
	if cancelOrderID == "" {
		return nil, errors.New("route: 撤单重挂缺少原订单 id")
	}
	if !replace.Venue.CancelReplace {
		return nil, fmt.Errorf("route: venue %s 不支持撤单重挂", replace.Venue.Name)
	}
	return CancelReplace{cancelOrderID: cancelOrderID, replace: replace}, nil
}

// NewFlashLoanArb 构造闪电贷套利路由。
func NewFlashLoanArb(lender Venue, buy, sell Leg) (Route, error) {
	if !lender.FlashLoans {
		return nil, fmt.Errorf("route: venue %s 不提供闪电贷", lender.Name)
	}
	if buy.Side != SideBid || sell.Side != SideAsk {
		return nil, errors.New("route: 套利需要一条买腿和一条卖腿")
	}
	if buy.Venue.Name == sell.Venue.Name {
		return nil, errors.New("route: 套利两腿必须位于不同场所")
	}
	if sell.Quantity.GreaterThan(buy.Quantity) {
		return nil, errors.New("route: 卖出数量不能超过买入数量")
	}
	lender.Resources = append([]ResourceKey(nil), lender.Resources...)
	return FlashLoanArb{lender: lender, buy: buy, sell: sell}, nil
}

// Legs 返回路由包含的全部委托腿。
func Legs(r Route) []Leg {
	switch v := r.(type) {
	case SingleVenue:
		return []Leg{v.leg}
	case MultiVenueSplit:
		return v.Legs()
	case CancelReplace:
		return []Leg{v.replace}
	case FlashLoanArb:
		return []Leg{v.buy, v.sell}
	default:
		return nil
	}
}

// RequiresGlobalOrdering 判断路由是否触及全局排序的共享状态。
func RequiresGlobalOrdering(r Route) bool {
	switch v := r.(type) {
	case SingleVenue:
		return v.leg.Venue.SharedState
	case MultiVenueSplit:
		for _, leg := range v.legs {
			if leg.Venue.SharedState {
				return true
			}
		}
		return false
	case CancelReplace:
		return v.replace.Venue.SharedState
	case FlashLoanArb:
		// 借贷池本身是共享对象
		return true
	default:
		return true
	}
}

// Venues 返回路由涉及的场所名（去重、排序）。
func Venues(r Route) []string {
	set := make(map[string]struct{})
	for _, leg := range Legs(r) {
		set[leg.Venue.Name] = struct{}{}
	}
	if arb, ok := r.(FlashLoanArb); ok {
		set[arb.lender.Name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resources 返回路由会修改的外部对象键（去重、排序）。
func Resources(r Route) []ResourceKey {
	set := make(map[ResourceKey]struct{})
	for _, leg := range Legs(r) {
		for _, key := range leg.Venue.Resources {
			set[key] = struct{}{}
		}
	}
	if arb, ok := r.(FlashLoanArb); ok {
		for _, key := range arb.lender.Resources {
			set[key] = struct{}{}
		}
	}
	out := make([]ResourceKey, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plan 为带评分的候选路由，构造后不可修改。
type Plan struct {
	Route             Route
	Score             Score
	ExpectedLatencyMs float64
	Quotes            []VenueQuote
}

// NewPlan 按成本模型为路由评分。
func NewPlan(r Route, model CostModel, quotes []VenueQuote) (Plan, error) {
	if r == nil {
		return Plan{}, errors.New("route: 路由不能为空")
	}
	score, err := model.Score(r, quotes)
	if err != nil {
		return Plan{}, err
	}

	used := make([]VenueQuote, 0, len(quotes))
	venues := Venues(r)
	for _, q := range quotes {
		idx := sort.SearchStrings(venues, q.Venue)
		if idx < len(venues) && venues[idx] == q.Venue {
			used = append(used, q)
		}
	}

	return Plan{
		Route:             r,
		Score:             score,
		ExpectedLatencyMs: model.ExpectedLatencyMs(RequiresGlobalOrdering(r)),
		Quotes:            used,
	}, nil
}

// RequiresGlobalOrdering 见包级同名函数。
func (p Plan) RequiresGlobalOrdering() bool {
	return RequiresGlobalOrdering(p.Route)
}

// PriceOfExecution 返回综合执行成本，越低越好。
func (p Plan) PriceOfExecution() float64 {
	return p.Score.Total
}

func (p Plan) Kind() Kind {
	if p.Route == nil {
		return ""
	}
	return p.Route.Kind()
}

func (p Plan) Resources() []ResourceKey { return Resources(p.Route) }
func (p Plan) Venues() []string         { return Venues(p.Route) }
