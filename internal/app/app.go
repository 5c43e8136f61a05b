package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exec-router/internal/config"
	"exec-router/internal/control"
	"exec-router/internal/exchange"
	"exec-router/internal/execution"
	applog "exec-router/internal/log"
	"exec-router/internal/route"
	"exec-router/internal/selector"
	"exec-router/internal/signing"
	"exec-router/internal/store"
	"exec-router/internal/telemetry"
	"exec-router/internal/transport"
	"exec-router/internal/validator"
	"exec-router/internal/venue"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	router    *Router
	engine    *execution.Engine
	registry  *validator.Registry
	transport *transport.Client
	guard     *exchange.PriceGuard
	async     *telemetry.Async
	events    *store.EventStore
	metrics   *prometheus.Registry
	signer    *signing.Ed25519Signer
}

// New 按配置组装全部组件，st 为空时不持久化执行结果与事件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, store: st}

	if err := a.buildTelemetry(); err != nil {
		return nil, err
	}

	venues, sources, err := buildVenues(cfg.Venues, logger)
	if err != nil {
		return nil, err
	}
	aggregator, err := venue.NewAggregator(sources, applog.Named(logger, "venue"),
		venue.WithMaxAge(cfg.Quotes.MaxAge),
		venue.WithFetchTimeout(cfg.Quotes.FetchTimeout),
	)
	if err != nil {
		return nil, err
	}

	sel, err := selector.New(venues, selector.Config{
		BaseLatencyMs:         cfg.Selector.BaseLatencyMs,
		SharedObjectLatencyMs: cfg.Selector.SharedObjectLatencyMs,
		LatencyCostPerMs:      cfg.Selector.LatencyCostPerMs,
		NoLiquidityImpact:     cfg.Selector.NoLiquidityImpact,
		TieEpsilon:            cfg.Selector.TieEpsilon,
		MaxSplitVenues:        cfg.Selector.MaxSplitVenues,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化选路器失败: %w", err)
	}

	a.registry = validator.New(validator.Config{
		Alpha:            cfg.Validator.Alpha,
		MinObservations:  cfg.Validator.MinObservations,
		Staleness:        cfg.Validator.Staleness,
		FailureThreshold: cfg.Validator.FailureThreshold,
		FailureWindow:    cfg.Validator.FailureWindow,
	}, applog.Named(logger, "validator"))
	endpoints := make(map[string]string, len(cfg.Validators))
	for _, ep := range cfg.Validators {
		if err := a.registry.Register(ep.Name); err != nil {
			return nil, fmt.Errorf("注册节点失败: %w", err)
		}
		endpoints[ep.Name] = ep.URL
	}
	a.transport = transport.NewClient(transport.Config{
		Endpoints: endpoints,
		Timeout:   cfg.Transport.Timeout,
	}, &http.Client{Timeout: cfg.Transport.Timeout}, applog.Named(logger, "transport"))

	seed, err := signing.ParseSeed(cfg.Signer.Seed)
	if err != nil {
		return nil, fmt.Errorf("解析签名种子失败: %w", err)
	}
	a.signer, err = signing.NewEd25519Signer(seed)
	if err != nil {
		return nil, fmt.Errorf("初始化签名器失败: %w", err)
	}

	opts := []execution.Option{
		execution.WithStatusQuerier(a.transport),
		execution.WithSink(a.async),
	}
	if st != nil {
		journal, err := store.NewJournal(st, cfg.Database.Retention, applog.Named(logger, "journal"))
		if err != nil {
			return nil, fmt.Errorf("初始化执行结果表失败: %w", err)
		}
		opts = append(opts, execution.WithJournal(journal))
	}
	a.engine, err = execution.NewEngine(execution.Config{
		MaxRetries:     cfg.Execution.MaxRetries,
		AttemptTimeout: cfg.Execution.AttemptTimeout,
		LockWait:       cfg.Execution.LockWait,
		RetryBackoff:   cfg.Execution.RetryBackoff,
	}, a.signer, a.transport, a.registry, applog.Named(logger, "execution"), opts...)
	if err != nil {
		return nil, fmt.Errorf("初始化执行引擎失败: %w", err)
	}

	deps := RouterDeps{
		Quotes:         aggregator,
		Selector:       sel,
		Engine:         a.engine,
		Breakers:       control.NewBreakers(control.BreakerConfig(cfg.Control.Breaker), applog.Named(logger, "breaker")),
		Validators:     a.registry,
		Sink:           a.async,
		RequestTimeout: cfg.Execution.RequestTimeout,
	}
	deps.Admission, err = control.NewAdmission(control.AdmissionConfig{
		MaxInFlight:   cfg.Control.MaxInFlight,
		RatePerSecond: cfg.Control.RatePerSecond,
		Wait:          cfg.Control.AdmissionWait,
	}, applog.Named(logger, "admission"))
	if err != nil {
		return nil, err
	}
	if cfg.Selector.AdaptiveLatency {
		deps.Latency = selector.NewLatencyEstimator(cfg.Selector.LatencyAlpha, cfg.Selector.LatencyMinSamples)
	}
	if cfg.Guard.Enabled {
		client, err := exchange.NewClient(cfg.Guard, applog.Named(logger, "exchange"))
		if err != nil {
			return nil, fmt.Errorf("初始化参考价客户端失败: %w", err)
		}
		a.guard, err = exchange.NewPriceGuard(cfg.Guard, client, applog.Named(logger, "guard"))
		if err != nil {
			return nil, err
		}
		deps.Guard = a.guard
	}

	a.router, err = NewRouter(deps, applog.Named(logger, "router"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildTelemetry() error {
	sinks := telemetry.Fanout{}
	if a.cfg.Telemetry.Prometheus {
		a.metrics = prometheus.NewRegistry()
		a.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom, err := telemetry.NewPrometheus(a.metrics)
		if err != nil {
			return fmt.Errorf("注册指标失败: %w", err)
		}
		sinks = append(sinks, prom)
	}
	if a.cfg.Telemetry.PersistEvents && a.store != nil {
		events, err := store.NewEventStore(a.store, applog.Named(a.logger, "events"))
		if err != nil {
			return fmt.Errorf("初始化事件表失败: %w", err)
		}
		a.events = events
		sinks = append(sinks, events)
	}
	a.async = telemetry.NewAsync(sinks, a.cfg.Telemetry.Buffer, applog.Named(a.logger, "telemetry"))
	return nil
}

// buildVenues 由配置生成场所画像与盘口来源。
func buildVenues(cfgs []config.VenueConfig, logger *zap.Logger) ([]route.Venue, []venue.Source, error) {
	venues := make([]route.Venue, 0, len(cfgs))
	sources := make([]venue.Source, 0, len(cfgs))
	for _, vc := range cfgs {
		resources := make([]route.ResourceKey, 0, len(vc.Resources))
		for _, r := range vc.Resources {
			resources = append(resources, route.ResourceKey(r))
		}
		venues = append(venues, route.Venue{
			Name:          vc.Name,
			SharedState:   vc.SharedState,
			Resources:     resources,
			GasCost:       vc.GasCost,
			FailureRisk:   vc.FailureRisk,
			CancelReplace: vc.CancelReplace,
			FlashLoans:    vc.FlashLoans,
			FlashLoanFee:  vc.FlashLoanFee,
		})

		pools := make(map[string]venue.PoolSpec, len(vc.Pools))
		for _, p := range vc.Pools {
			pools[p.ID] = venue.PoolSpec{
				TickSize: p.TickSize,
				LotSize:  p.LotSize,
				MinSize:  p.MinSize,
				MakerFee: p.MakerFee,
				TakerFee: p.TakerFee,
			}
		}

		switch strings.ToLower(vc.Source.Type) {
		case "http":
			src, err := venue.NewHTTPSource(venue.HTTPConfig{
				Venue:      vc.Name,
				BaseURL:    vc.Source.BaseURL,
				Depth:      vc.Source.Depth,
				Timeout:    vc.Source.Timeout,
				MaxRetries: vc.Source.MaxRetries,
				Pools:      pools,
			}, nil, applog.Named(logger, "venue"))
			if err != nil {
				return nil, nil, err
			}
			sources = append(sources, src)
		default:
			src := venue.NewStaticSource(vc.Name)
			for _, p := range vc.Pools {
				q := route.VenueQuote{
					Pool: p.ID,
					Bids: levels(p.Bids),
					Asks: levels(p.Asks),
				}
				pools[p.ID].Apply(&q)
				if p.Funding != nil {
					q.Funding = &route.Funding{Base: p.Funding.Base, Quote: p.Funding.Quote}
				}
				src.Set(q)
			}
			sources = append(sources, src)
		}
	}
	return venues, sources, nil
}

func levels(raw [][]float64) []route.PriceLevel {
	out := make([]route.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		out = append(out, route.PriceLevel{Price: l[0], Quantity: l[1]})
	}
	return out
}

// Router 返回路由门面。
func (a *App) Router() *Router {
	return a.router
}

// Run 启动后台任务与 HTTP 接口，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("路由服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("signer", a.signer.Address()),
		zap.Int("venues", len(a.cfg.Venues)),
		zap.Int("validators", a.registry.Len()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.async.Run(runCtx)

	if n, err := a.engine.Warm(ctx); err != nil {
		a.logger.Warn("回灌去重缓存失败", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("已恢复历史执行结果", zap.Int("count", n))
	}

	pings := &validatorPinger{
		pinger:    a.transport,
		registry:  a.registry,
		endpoints: validatorNames(a.cfg.Validators),
		timeout:   a.cfg.Validator.PingTimeout,
		logger:    applog.Named(a.logger, "pinger"),
	}
	if pings.timeout <= 0 {
		pings.timeout = 2 * time.Second
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	if a.cfg.Validator.PingInterval > 0 {
		group.Go(func() error {
			pings.bootstrap(groupCtx, a.cfg.Validator.MinObservations)
			pings.run(groupCtx, a.cfg.Validator.PingInterval)
			return nil
		})
	}
	if a.guard != nil {
		group.Go(func() error {
			a.refreshGuard(groupCtx)
			return nil
		})
	}

	server := NewServer(a.router, a.eventLister(), a.gatherer(), applog.Named(a.logger, "http"))
	group.Go(func() error {
		return server.Start(groupCtx, a.cfg.Server)
	})

	err := group.Wait()
	cancel()
	<-a.async.Done()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("路由服务收到退出信号，已停止", zap.Uint64("dropped_events", a.async.Dropped()))
	return nil
}

// refreshGuard 按缓存周期预热参考价。
func (a *App) refreshGuard(ctx context.Context) {
	interval := a.cfg.Guard.CacheTTL
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if err := a.guard.Refresh(ctx); err != nil {
		a.logger.Warn("参考价预热失败", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.guard.Refresh(ctx); err != nil {
				a.logger.Debug("参考价刷新失败", zap.Error(err))
			}
		}
	}
}

func (a *App) eventLister() EventLister {
	if a.events == nil {
		return nil
	}
	return a.events
}

func (a *App) gatherer() prometheus.Gatherer {
	if a.metrics == nil {
		return nil
	}
	return a.metrics
}

func validatorNames(eps []config.EndpointConfig) []string {
	names := make([]string, 0, len(eps))
	for _, ep := range eps {
		names = append(names, ep.Name)
	}
	return names
}
