package execution

import (
	"encoding/json"
	"fmt"

	"exec-router/internal/route"
)

// Op 为程序步骤的操作码。
type Op string

const (
	OpPlaceLimitOrder Op = "place_limit_order"
	OpCancelOrder     Op = "cancel_order"
	OpFlashBorrow     Op = "flash_borrow"
	OpFlashRepay      Op = "flash_repay"
)

// Step 为原子程序中的一步。
type Step struct {
	Op            Op     `json:"op"`
	Venue         string `json:"venue"`
	Pool          string `json:"pool,omitempty"`
	Side          string `json:"side,omitempty"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity,omitempty"`
	Amount        string `json:"amount,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	FeeMode       string `json:"fee_mode,omitempty"`
	ExpireAtMs    int64  `json:"expire_at_ms,omitempty"`
	TakerOnly     bool   `json:"taker_only,omitempty"`
}

// Program 为路由编译后的原子多步程序。
type Program struct {
	Kind      route.Kind          `json:"kind"`
	Global    bool                `json:"global"`
	Steps     []Step              `json:"steps"`
	Resources []route.ResourceKey `json:"resources"`
}

// Bytes 返回确定性的序列化结果，相同程序得到相同字节。
func (p Program) Bytes() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("execution: 序列化程序失败: %w", err)
	}
	return raw, nil
}

// Compile 将路由编译为程序。
func Compile(plan route.Plan) (Program, error) {
	if plan.Route == nil {
		return Program{}, fmt.Errorf("execution: 路由为空")
	}

	prog := Program{
		Kind:      plan.Kind(),
		Global:    plan.RequiresGlobalOrdering(),
		Resources: plan.Resources(),
	}

	switch r := plan.Route.(type) {
	case route.SingleVenue:
		prog.Steps = []Step{placeStep(r.Leg(), false)}
	case route.MultiVenueSplit:
		for _, leg := range r.Legs() {
			prog.Steps = append(prog.Steps, placeStep(leg, false))
		}
	case route.CancelReplace:
		leg := r.Replace()
		prog.Steps = []Step{
			{
				Op:      OpCancelOrder,
				Venue:   leg.Venue.Name,
				Pool:    leg.Pool,
				OrderID: r.CancelOrderID(),
			},
			placeStep(leg, false),
		}
	case route.FlashLoanArb:
		amount := r.Borrowed().String()
		prog.Steps = []Step{
			{Op: OpFlashBorrow, Venue: r.Lender().Name, Amount: amount},
			placeStep(r.Buy(), true),
			placeStep(r.Sell(), true),
			{Op: OpFlashRepay, Venue: r.Lender().Name, Amount: amount},
		}
	default:
		return Program{}, fmt.Errorf("execution: 未知路由类型 %T", plan.Route)
	}

	return prog, nil
}

func placeStep(leg route.Leg, takerOnly bool) Step {
	step := Step{
		Op:            OpPlaceLimitOrder,
		Venue:         leg.Venue.Name,
		Pool:          leg.Pool,
		Side:          string(leg.Side),
		Price:         leg.Price.String(),
		Quantity:      leg.Quantity.String(),
		ClientOrderID: leg.ClientOrderID,
		FeeMode:       string(leg.FeeMode),
		TakerOnly:     takerOnly,
	}
	if !leg.Expiration.IsZero() {
		step.ExpireAtMs = leg.Expiration.UnixMilli()
	}
	return step
}
