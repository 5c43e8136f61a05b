package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"exec-router/internal/control"
	"exec-router/internal/execution"
	"exec-router/internal/route"
	"exec-router/internal/selector"
	"exec-router/internal/telemetry"
	"exec-router/internal/validator"
)

// QuoteSource 返回交易池的多场所盘口快照。
type QuoteSource interface {
	Snapshot(ctx context.Context, pool string) ([]route.VenueQuote, error)
}

// PriceGuard 在执行前校验计划价格。
type PriceGuard interface {
	Check(ctx context.Context, plan route.Plan) error
}

// RouterDeps 为 Router 的依赖，Guard/Admission/Breakers/Latency/Validators 可为空。
type RouterDeps struct {
	Quotes         QuoteSource
	Selector       *selector.Selector
	Engine         execution.Executor
	Guard          PriceGuard
	Admission      *control.Admission
	Breakers       *control.Breakers
	Latency        *selector.LatencyEstimator
	Validators     *validator.Registry
	Sink           telemetry.Sink
	RequestTimeout time.Duration
}

// Router 串联选路、价格保护、准入与执行，并把执行结果反馈给延迟估计和熔断器。
type Router struct {
	quotes     QuoteSource
	selector   atomic.Pointer[selector.Selector]
	engine     execution.Executor
	guard      PriceGuard
	admission  *control.Admission
	breakers   *control.Breakers
	latency    *selector.LatencyEstimator
	validators *validator.Registry
	sink       telemetry.Sink
	timeout    time.Duration
	logger     *zap.Logger
}

// OrderOutcome 为一次下单的结果。
type OrderOutcome struct {
	Plan         route.Plan
	Alternatives int
	Result       execution.Result
}

// RouterStats 汇总运行状态。
type RouterStats struct {
	Execution  execution.Stats         `json:"execution"`
	Latency    LatencyView             `json:"latency"`
	Breakers   []control.BreakerStatus `json:"breakers,omitempty"`
	Validators []validator.Record      `json:"validators,omitempty"`
	InFlight   int                     `json:"in_flight"`
}

// LatencyView 为当前使用的延迟常数与观测统计。
type LatencyView struct {
	BaseMs    float64                `json:"base_latency_ms"`
	SharedMs  float64                `json:"shared_object_latency_ms"`
	Adaptive  bool                   `json:"adaptive"`
	Estimator *selector.LatencyStats `json:"estimator,omitempty"`
}

// NewRouter 创建路由门面。
func NewRouter(deps RouterDeps, logger *zap.Logger) (*Router, error) {
	if deps.Quotes == nil || deps.Selector == nil || deps.Engine == nil {
		return nil, errors.New("app: quotes、selector 与 engine 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	r := &Router{
		quotes:     deps.Quotes,
		engine:     deps.Engine,
		guard:      deps.Guard,
		admission:  deps.Admission,
		breakers:   deps.Breakers,
		latency:    deps.Latency,
		validators: deps.Validators,
		sink:       sink,
		timeout:    deps.RequestTimeout,
		logger:     logger,
	}
	r.selector.Store(deps.Selector)
	return r, nil
}

// Quote 拉取快照并返回排序后的候选路由，不执行。
func (r *Router) Quote(ctx context.Context, req route.OrderRequest) (selector.Selection, error) {
	quotes, err := r.quotes.Snapshot(ctx, req.Pool)
	if err != nil {
		return selector.Selection{}, err
	}
	sel, err := r.selector.Load().SelectRoute(req, quotes)
	if err != nil {
		return selector.Selection{}, err
	}

	best := sel.Best()
	r.sink.Emit(telemetry.Event{
		Type:      telemetry.EventRouteSelected,
		Timestamp: time.Now().UTC(),
		RouteKind: string(best.Kind()),
		Pool:      req.Pool,
		LatencyMs: best.ExpectedLatencyMs,
	})
	r.logger.Debug("选路完成",
		zap.String("pool", req.Pool),
		zap.String("kind", string(best.Kind())),
		zap.Float64("price_of_execution", best.PriceOfExecution()),
		zap.Int("candidates", sel.Len()),
	)
	return sel, nil
}

// Order 选路后执行最优计划。
func (r *Router) Order(ctx context.Context, req route.OrderRequest) (OrderOutcome, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sel, err := r.Quote(ctx, req)
	if err != nil {
		return OrderOutcome{}, err
	}
	plan := sel.Best()
	out := OrderOutcome{Plan: plan, Alternatives: sel.Len() - 1}
	class := string(plan.Kind())

	if r.breakers != nil {
		if err := r.breakers.Allow(class); err != nil {
			r.reject(telemetry.EventAdmission, req.Pool, class, err)
			return out, err
		}
	}
	if r.guard != nil {
		if err := r.guard.Check(ctx, plan); err != nil {
			r.reject(telemetry.EventGuardBlocked, req.Pool, class, err)
			return out, err
		}
	}
	if r.admission != nil {
		release, err := r.admission.Acquire(ctx)
		if err != nil {
			r.reject(telemetry.EventAdmission, req.Pool, class, err)
			return out, err
		}
		defer release()
	}

	res, err := r.engine.Execute(ctx, plan)
	out.Result = res
	r.feedback(plan, res, err)
	return out, err
}

func (r *Router) reject(typ telemetry.EventType, pool, class string, err error) {
	r.sink.Emit(telemetry.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		RouteKind: class,
		Pool:      pool,
		Error:     err.Error(),
	})
	r.logger.Warn("计划未执行",
		zap.String("pool", pool),
		zap.String("kind", class),
		zap.String("reason", string(typ)),
		zap.Error(err),
	)
}

// feedback 只统计真正发生的提交，重复摘要、锁竞争与调用方取消不计入。
func (r *Router) feedback(plan route.Plan, res execution.Result, err error) {
	if res.Duplicate ||
		errors.Is(err, execution.ErrResourceContention) ||
		errors.Is(err, context.Canceled) ||
		res.Attempts == 0 && res.Status == "" {
		return
	}

	success := res.Status == execution.StatusConfirmed
	if r.breakers != nil {
		r.breakers.Record(string(plan.Kind()), success)
	}
	if !success || r.latency == nil || res.EffectsMs <= 0 {
		return
	}

	r.latency.Observe(plan.RequiresGlobalOrdering(), res.EffectsMs)
	base, shared, ok := r.latency.Estimate()
	if !ok {
		return
	}
	if err := r.SetLatency(base, shared); err != nil {
		r.logger.Debug("延迟估计未生效", zap.Error(err))
	}
}

// SetLatency 替换选路使用的延迟常数，共享对象延迟必须大于基础延迟。
func (r *Router) SetLatency(baseMs, sharedMs float64) error {
	next, err := r.selector.Load().WithLatency(baseMs, sharedMs)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	r.selector.Store(next)
	return nil
}

// Latency 返回当前延迟常数。
func (r *Router) Latency() LatencyView {
	model := r.selector.Load().CostModel()
	view := LatencyView{
		BaseMs:   model.BaseLatencyMs,
		SharedMs: model.SharedObjectLatencyMs,
		Adaptive: r.latency != nil,
	}
	if r.latency != nil {
		st := r.latency.Stats()
		view.Estimator = &st
	}
	return view
}

// Lookup 返回摘要的执行结果。
func (r *Router) Lookup(digest string) (execution.Result, bool) {
	return r.engine.Lookup(digest)
}

// ConfirmOutOfBand 记录从链上事件流等其他途径观察到的确认。
func (r *Router) ConfirmOutOfBand(digest string, effectsMs float64) bool {
	return r.engine.ConfirmOutOfBand(digest, effectsMs)
}

// Stats 返回运行统计。
func (r *Router) Stats() RouterStats {
	st := RouterStats{
		Execution: r.engine.Stats(),
		Latency:   r.Latency(),
	}
	if r.breakers != nil {
		st.Breakers = r.breakers.Snapshot()
	}
	if r.validators != nil {
		st.Validators = r.validators.Stats()
	}
	if r.admission != nil {
		st.InFlight = r.admission.InFlight()
	}
	return st
}
