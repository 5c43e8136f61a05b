package exchange

import (
	"errors"
	"fmt"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，参考价不可用。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrPriceDeviation 表示路由价格偏离参考价过大。
	ErrPriceDeviation = errors.New("price deviates from reference")
)

// DeviationError 描述偏离参考价的腿。
type DeviationError struct {
	Pool      string
	Venue     string
	Price     float64
	Reference float64
	Deviation float64
	Max       float64
}

func (e *DeviationError) Error() string {
	return fmt.Sprintf("exchange: %s@%s 价格 %.6g 偏离参考价 %.6g 达 %.2f%% (上限 %.2f%%)",
		e.Pool, e.Venue, e.Price, e.Reference, e.Deviation*100, e.Max*100)
}

func (e *DeviationError) Is(target error) bool {
	return target == ErrPriceDeviation
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}
