package route

import (
	"strings"
	"time"
)

// Side 表示订单方向。
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// ParseSide 解析外部传入的方向字符串。
func ParseSide(value string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "bid", "buy":
		return SideBid, true
	case "ask", "sell":
		return SideAsk, true
	default:
		return "", false
	}
}

// FeeMode 控制手续费的支付资产。
type FeeMode string

const (
	FeeModeInput  FeeMode = "input"
	FeeModeNative FeeMode = "native"
)

// Intent 区分普通限价单与套利请求。
type Intent string

const (
	IntentLimit     Intent = "limit"
	IntentArbitrage Intent = "arbitrage"
)

// ResourceKey 标识路由会修改的外部对象（例如资金管理对象）。
type ResourceKey string

// ReplaceTarget 指向需要撤单重挂的既有订单。
type ReplaceTarget struct {
	Venue   string
	OrderID string
}

// OrderRequest 描述一次下单请求，构造后不可修改。
type OrderRequest struct {
	Pool          string
	Price         float64
	Quantity      float64
	Side          Side
	ClientOrderID string
	FeeMode       FeeMode
	Expiration    time.Time
	Intent        Intent
	Replace       *ReplaceTarget
}

// HasExpiration 判断请求是否带过期时间。
func (r OrderRequest) HasExpiration() bool {
	return !r.Expiration.IsZero()
}

// PriceLevel 为盘口档位。
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// Funding 为场所报告的账户可用余额。
type Funding struct {
	Base  float64
	Quote float64
}

// VenueQuote 为外部行情源提供的盘口快照，核心逻辑只读。
type VenueQuote struct {
	Venue     string
	Pool      string
	Bids      []PriceLevel // 价格降序
	Asks      []PriceLevel // 价格升序
	TickSize  float64
	LotSize   float64
	MinSize   float64
	MakerFee  float64
	TakerFee  float64
	Funding   *Funding
	Timestamp time.Time
}

// Constraints 返回该快照的量化约束。
func (q VenueQuote) Constraints() Constraints {
	return Constraints{
		TickSize: q.TickSize,
		LotSize:  q.LotSize,
		MinSize:  q.MinSize,
	}
}

// BestBid 返回买一价，无报价时返回 0。
func (q VenueQuote) BestBid() float64 {
	if len(q.Bids) == 0 {
		return 0
	}
	return q.Bids[0].Price
}

// BestAsk 返回卖一价，无报价时返回 0。
func (q VenueQuote) BestAsk() float64 {
	if len(q.Asks) == 0 {
		return 0
	}
	return q.Asks[0].Price
}

// Mid 返回中间价。
func (q VenueQuote) Mid() float64 {
	bid, ask := q.BestBid(), q.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

// Venue 描述交易场所的静态执行特征。
type Venue struct {
	Name string
	// SharedState 为 true 时，在该场所下单会触及全局排序的共享对象。
	SharedState   bool
	Resources     []ResourceKey
	GasCost       float64 // 以报价资产计的单腿 gas 成本
	FailureRisk   float64 // 按名义价值计的失败风险权重
	CancelReplace bool
	FlashLoans    bool
	FlashLoanFee  float64
}
