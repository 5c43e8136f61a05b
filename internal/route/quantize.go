package route

import (
	"math"

	"github.com/shopspring/decimal"
)

var decimalOne = decimal.NewFromInt(1)

// Constraints 为场所的价格/数量量化约束。
type Constraints struct {
	TickSize float64
	LotSize  float64
	MinSize  float64
}

// Quantize 将价格向下取整到 tick，将数量向下取整到 lot，并校验最小下单量。
func Quantize(price, size float64, c Constraints) (decimal.Decimal, decimal.Decimal, error) {
	qp, err := QuantizePrice(price, c.TickSize)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	qs, err := QuantizeSize(size, c.LotSize, c.MinSize)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return qp, qs, nil
}

// QuantizePrice 按 tick 向下取整。
func QuantizePrice(price, tickSize float64) (decimal.Decimal, error) {
	if !finitePositive(tickSize) {
		return decimal.Zero, &QuantizationError{Field: "tick_size", Value: tickSize, Reason: "必须为有限正数"}
	}
	if !finitePositive(price) {
		return decimal.Zero, &QuantizationError{Field: "price", Value: price, Reason: "必须为有限正数"}
	}

	tick := decimal.NewFromFloat(tickSize)
	steps := decimal.NewFromFloat(price).Div(tick).Floor()
	if steps.LessThan(decimalOne) {
		return decimal.Zero, &QuantizationError{Field: "price", Value: price, Reason: "低于最小 tick"}
	}
	return steps.Mul(tick), nil
}

// QuantizeSize 按 lot 向下取整，并拒绝低于最小下单量的数量。
func QuantizeSize(quantity, lotSize, minSize float64) (decimal.Decimal, error) {
	if !finitePositive(lotSize) {
		return decimal.Zero, &QuantizationError{Field: "lot_size", Value: lotSize, Reason: "必须为有限正数"}
	}
	if !finitePositive(minSize) {
		return decimal.Zero, &QuantizationError{Field: "min_size", Value: minSize, Reason: "必须为有限正数"}
	}
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return decimal.Zero, &QuantizationError{Field: "quantity", Value: quantity, Reason: "必须为有限数"}
	}

	min := decimal.NewFromFloat(minSize)
	qty := decimal.NewFromFloat(quantity)
	if qty.LessThan(min) {
		return decimal.Zero, &QuantizationError{Field: "quantity", Value: quantity, Reason: "低于最小下单量"}
	}

	lot := decimal.NewFromFloat(lotSize)
	steps := qty.Div(lot).Floor()
	if steps.LessThan(decimalOne) {
		return decimal.Zero, &QuantizationError{Field: "quantity", Value: quantity, Reason: "不足一个 lot"}
	}

	sized := steps.Mul(lot)
	if sized.LessThan(min) {
		return decimal.Zero, &QuantizationError{Field: "quantity", Value: quantity, Reason: "按 lot 取整后低于最小下单量"}
	}
	return sized, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
