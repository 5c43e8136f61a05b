package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-router/internal/config"
	"exec-router/internal/route"
)

type cachedMid struct {
	value     float64
	fetchedAt time.Time
}

// PriceGuard 在执行前比对路由价格与中心化交易所参考价，拦截明显偏离的计划。
type PriceGuard struct {
	pricer   ReferencePricer
	refs     *ReferenceService
	symbols  map[string]string
	maxDev   float64
	ttl      time.Duration
	failOpen bool
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedMid
}

// NewPriceGuard 创建参考价保护。
func NewPriceGuard(cfg config.GuardConfig, pricer ReferencePricer, logger *zap.Logger) (*PriceGuard, error) {
	if pricer == nil {
		return nil, fmt.Errorf("exchange: 参考价来源不能为空")
	}
	if cfg.MaxDeviation <= 0 {
		return nil, fmt.Errorf("exchange: max_deviation 必须大于0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	symbols := make(map[string]string, len(cfg.Symbols))
	for _, m := range cfg.Symbols {
		symbols[m.Pool] = m.Symbol
	}
	return &PriceGuard{
		pricer:   pricer,
		refs:     NewReferenceService(pricer, logger),
		symbols:  symbols,
		maxDev:   cfg.MaxDeviation,
		ttl:      cfg.CacheTTL,
		failOpen: cfg.FailOpen,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]cachedMid),
	}, nil
}

// Check 检查计划中每条腿的价格，未映射的交易池直接放行。
func (g *PriceGuard) Check(ctx context.Context, plan route.Plan) error {
	legs := route.Legs(plan.Route)
	if len(legs) == 0 {
		return nil
	}
	pool := legs[0].Pool
	symbol, ok := g.symbols[pool]
	if !ok {
		return nil
	}

	ref, err := g.reference(ctx, symbol)
	if err != nil {
		if g.failOpen {
			g.logger.Warn("参考价不可用，放行计划",
				zap.String("pool", pool),
				zap.String("symbol", symbol),
				zap.Bool("retryable", IsRetryable(err)),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("exchange: 获取参考价失败: %w", err)
	}

	for _, leg := range legs {
		price := leg.PriceFloat()
		dev := math.Abs(price-ref) / ref
		if dev > g.maxDev {
			return &DeviationError{
				Pool:      pool,
				Venue:     leg.Venue.Name,
				Price:     price,
				Reference: ref,
				Deviation: dev,
				Max:       g.maxDev,
			}
		}
	}
	return nil
}

// Refresh 预热全部已映射交易对的参考价。
func (g *PriceGuard) Refresh(ctx context.Context) error {
	symbols := make([]string, 0, len(g.symbols))
	for _, s := range g.symbols {
		symbols = append(symbols, s)
	}
	mids, err := g.refs.Mids(ctx, symbols)
	if err != nil {
		return err
	}
	now := g.now()
	g.mu.Lock()
	for s, mid := range mids {
		g.cache[s] = cachedMid{value: mid, fetchedAt: now}
	}
	g.mu.Unlock()
	return nil
}

func (g *PriceGuard) reference(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	cached, ok := g.cache[symbol]
	g.mu.Unlock()
	if ok && g.ttl > 0 && g.now().Sub(cached.fetchedAt) < g.ttl {
		return cached.value, nil
	}

	mid, err := g.pricer.ReferenceMid(ctx, symbol)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.cache[symbol] = cachedMid{value: mid, fetchedAt: g.now()}
	g.mu.Unlock()
	return mid, nil
}
