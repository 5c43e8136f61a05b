package route

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoute 表示没有任何候选路由满足约束。
	ErrNoRoute = errors.New("no route")
	// ErrQuantization 表示价格或数量无法满足场所的最小变动单位约束。
	ErrQuantization = errors.New("quantization error")
	// ErrInsufficientBalance 表示账户余额不足以支撑该路由。
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// QuantizationError 记录量化失败的字段与原因。
type QuantizationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *QuantizationError) Error() string {
	return fmt.Sprintf("route: %s=%v 量化失败: %s", e.Field, e.Value, e.Reason)
}

// Is 使 errors.Is(err, ErrQuantization) 成立。
func (e *QuantizationError) Is(target error) bool {
	return target == ErrQuantization
}

// NoRouteError 汇总所有被淘汰候选的原因。
type NoRouteError struct {
	Pool    string
	Reasons error
}

func (e *NoRouteError) Error() string {
	if e.Reasons == nil {
		return fmt.Sprintf("route: pool %s 无可用路由", e.Pool)
	}
	return fmt.Sprintf("route: pool %s 无可用路由: %v", e.Pool, e.Reasons)
}

func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoRoute
}

func (e *NoRouteError) Unwrap() error {
	return e.Reasons
}

func insufficient(venue string, asset string, need, have float64) error {
	return fmt.Errorf("route: venue %s %s 余额不足 need=%.8f have=%.8f: %w", venue, asset, need, have, ErrInsufficientBalance)
}
