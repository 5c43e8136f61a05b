package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"exec-router/internal/config"
	"exec-router/internal/control"
	"exec-router/internal/exchange"
	"exec-router/internal/execution"
	"exec-router/internal/route"
	"exec-router/internal/store"
	"exec-router/internal/telemetry"
	"exec-router/internal/validator"
)

// EventLister 查询持久化的执行事件。
type EventLister interface {
	ListEvents(ctx context.Context, q store.EventQuery) ([]telemetry.Event, error)
}

// Server 暴露路由的 HTTP 接口。
type Server struct {
	router   *Router
	events   EventLister
	gatherer prometheus.Gatherer
	engine   *gin.Engine
	logger   *zap.Logger
}

// NewServer 创建 HTTP 接口，events 与 gatherer 可为空。
func NewServer(router *Router, events EventLister, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{
		router:   router,
		events:   events,
		gatherer: gatherer,
		engine:   engine,
		logger:   logger,
	}
	s.registerRoutes()
	return s
}

// Handler 返回 http.Handler，测试时可直接配合 httptest 使用。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.health)
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api/v1")
	{
		api.POST("/quote", s.quote)
		api.POST("/order", s.order)
		api.GET("/executions/:digest", s.lookupExecution)
		api.POST("/executions/:digest/confirm", s.confirm)
		api.GET("/stats", s.stats)
		api.GET("/latency", s.getLatency)
		api.POST("/latency", s.setLatency)
		api.GET("/events", s.listEvents)
	}
}

// Start 启动监听，ctx 取消后优雅关闭。
func (s *Server) Start(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 接口已启动", zap.String("addr", cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭 HTTP 接口失败", zap.Error(err))
		return err
	}
	return nil
}

type orderBody struct {
	Pool          string  `json:"pool" binding:"required"`
	Price         float64 `json:"price" binding:"gt=0"`
	Quantity      float64 `json:"quantity" binding:"gt=0"`
	Side          string  `json:"side" binding:"required"`
	ClientOrderID string  `json:"client_order_id"`
	FeeMode       string  `json:"fee_mode"`
	ExpirationMs  int64   `json:"expiration_ms"`
	Intent        string  `json:"intent"`
	Replace       *struct {
		Venue   string `json:"venue"`
		OrderID string `json:"order_id"`
	} `json:"replace,omitempty"`
}

func (b orderBody) toRequest() (route.OrderRequest, error) {
	if strings.TrimSpace(b.Pool) == "" {
		return route.OrderRequest{}, errors.New("pool 不能为空")
	}
	side, ok := route.ParseSide(b.Side)
	if !ok {
		return route.OrderRequest{}, errors.New("side 必须为 bid/ask")
	}
	req := route.OrderRequest{
		Pool:          b.Pool,
		Price:         b.Price,
		Quantity:      b.Quantity,
		Side:          side,
		ClientOrderID: b.ClientOrderID,
		FeeMode:       route.FeeModeInput,
		Intent:        route.IntentLimit,
	}
	switch strings.ToLower(b.FeeMode) {
	case "", string(route.FeeModeInput):
	case string(route.FeeModeNative):
		req.FeeMode = route.FeeModeNative
	default:
		return route.OrderRequest{}, errors.New("fee_mode 必须为 input/native")
	}
	switch strings.ToLower(b.Intent) {
	case "", string(route.IntentLimit):
	case string(route.IntentArbitrage):
		req.Intent = route.IntentArbitrage
	default:
		return route.OrderRequest{}, errors.New("intent 必须为 limit/arbitrage")
	}
	if b.ExpirationMs > 0 {
		req.Expiration = time.UnixMilli(b.ExpirationMs).UTC()
	}
	if b.Replace != nil {
		if b.Replace.Venue == "" || b.Replace.OrderID == "" {
			return route.OrderRequest{}, errors.New("replace 需要 venue 与 order_id")
		}
		req.Replace = &route.ReplaceTarget{Venue: b.Replace.Venue, OrderID: b.Replace.OrderID}
	}
	return req, nil
}

type legView struct {
	Venue    string `json:"venue"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type planView struct {
	Kind                   string      `json:"kind"`
	PriceOfExecution       float64     `json:"price_of_execution"`
	Score                  route.Score `json:"score"`
	ExpectedLatencyMs      float64     `json:"expected_latency_ms"`
	RequiresGlobalOrdering bool        `json:"requires_global_ordering"`
	Venues                 []string    `json:"venues"`
	Legs                   []legView   `json:"legs"`
}

func newPlanView(p route.Plan) planView {
	legs := route.Legs(p.Route)
	view := planView{
		Kind:                   string(p.Kind()),
		PriceOfExecution:       p.PriceOfExecution(),
		Score:                  p.Score,
		ExpectedLatencyMs:      p.ExpectedLatencyMs,
		RequiresGlobalOrdering: p.RequiresGlobalOrdering(),
		Venues:                 p.Venues(),
		Legs:                   make([]legView, 0, len(legs)),
	}
	for _, l := range legs {
		view.Legs = append(view.Legs, legView{
			Venue:    l.Venue.Name,
			Side:     string(l.Side),
			Price:    l.Price.String(),
			Quantity: l.Quantity.String(),
		})
	}
	return view
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"validators": len(s.router.Stats().Validators),
	})
}

func (s *Server) bindOrder(c *gin.Context) (route.OrderRequest, bool) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return route.OrderRequest{}, false
	}
	req, err := body.toRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return route.OrderRequest{}, false
	}
	return req, true
}

func (s *Server) quote(c *gin.Context) {
	req, ok := s.bindOrder(c)
	if !ok {
		return
	}
	sel, err := s.router.Quote(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	alts := make([]planView, 0, sel.Len())
	for _, p := range sel.Alternatives() {
		alts = append(alts, newPlanView(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"best":         newPlanView(sel.Best()),
		"alternatives": alts,
	})
}

func (s *Server) order(c *gin.Context) {
	req, ok := s.bindOrder(c)
	if !ok {
		return
	}
	out, err := s.router.Order(c.Request.Context(), req)
	body := gin.H{}
	if out.Plan.Route != nil {
		body["plan"] = newPlanView(out.Plan)
		body["alternatives"] = out.Alternatives
	}
	if out.Result.Digest != "" {
		body["result"] = out.Result
	}
	if err != nil {
		body["error"] = err.Error()
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) lookupExecution(c *gin.Context) {
	res, ok := s.router.Lookup(c.Param("digest"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "digest not found"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) confirm(c *gin.Context) {
	var body struct {
		EffectsMs float64 `json:"effects_ms"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	changed := s.router.ConfirmOutOfBand(c.Param("digest"), body.EffectsMs)
	c.JSON(http.StatusOK, gin.H{"updated": changed})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.router.Stats())
}

func (s *Server) getLatency(c *gin.Context) {
	c.JSON(http.StatusOK, s.router.Latency())
}

func (s *Server) setLatency(c *gin.Context) {
	var body struct {
		BaseMs   float64 `json:"base_latency_ms"`
		SharedMs float64 `json:"shared_object_latency_ms"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.router.SetLatency(body.BaseMs, body.SharedMs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.router.Latency())
}

func (s *Server) listEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event store disabled"})
		return
	}
	q := store.EventQuery{
		Type:   telemetry.EventType(strings.ToLower(strings.TrimSpace(c.Query("type")))),
		Digest: strings.TrimSpace(c.Query("digest")),
		Limit:  200,
	}
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			q.Limit = v
		}
	}
	events, err := s.events.ListEvents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

// statusFor 将领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, route.ErrNoRoute),
		errors.Is(err, route.ErrQuantization),
		errors.Is(err, route.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrPriceDeviation),
		errors.Is(err, execution.ErrSubmissionRejected),
		errors.Is(err, execution.ErrResourceContention):
		return http.StatusConflict
	case errors.Is(err, control.ErrAdmissionRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, control.ErrCircuitOpen),
		errors.Is(err, validator.ErrNoHealthyValidator):
		return http.StatusServiceUnavailable
	case errors.Is(err, execution.ErrSubmissionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
