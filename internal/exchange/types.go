package exchange

import "time"

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
	Nonce     int64
}

// Mid 返回买一卖一的中间价，单边盘口时取该边价格。
func (s OrderBookSnapshot) Mid() float64 {
	var bid, ask float64
	if len(s.Bids) > 0 {
		bid = s.Bids[0].Price
	}
	if len(s.Asks) > 0 {
		ask = s.Asks[0].Price
	}
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}
