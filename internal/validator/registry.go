package validator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoHealthyValidator 表示没有任何可用的提交节点，不存在兜底节点。
	ErrNoHealthyValidator = errors.New("no healthy validator")
	// ErrUnknownEndpoint 表示节点未注册。
	ErrUnknownEndpoint = errors.New("unknown validator endpoint")
)

const (
	defaultAlpha            = 0.2
	defaultMinObservations  = 5
	defaultStaleness        = 5 * time.Minute
	defaultFailureThreshold = 3
	defaultFailureWindow    = time.Minute
)

// Config 控制 EWMA 与健康判定。
type Config struct {
	Alpha           float64
	MinObservations int
	Staleness       time.Duration
	// FailureThreshold 为窗口内允许的失败次数，超过即降级；0 表示首次失败即降级。
	FailureThreshold int
	FailureWindow    time.Duration
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Alpha:            defaultAlpha,
		MinObservations:  defaultMinObservations,
		Staleness:        defaultStaleness,
		FailureThreshold: defaultFailureThreshold,
		FailureWindow:    defaultFailureWindow,
	}
}

func (c Config) normalized() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = defaultAlpha
	}
	if c.MinObservations <= 0 {
		c.MinObservations = defaultMinObservations
	}
	if c.Staleness <= 0 {
		c.Staleness = defaultStaleness
	}
	if c.FailureThreshold < 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = defaultFailureWindow
	}
	return c
}

// Record 为节点状态的只读副本。
type Record struct {
	Endpoint     string    `json:"endpoint"`
	EWMA         float64   `json:"ewma_ms"`
	Observations int       `json:"observations"`
	Failures     int       `json:"failures"`
	LastObserved time.Time `json:"last_observed"`
	LastFailure  time.Time `json:"last_failure"`
	Healthy      bool      `json:"healthy"`

	demotedUntil time.Time
}

type entry struct {
	mu       sync.Mutex
	state    Record
	failures []time.Time
	snap     atomic.Pointer[Record]
}

// publish 发布不可变快照，调用方须持有 e.mu。
func (e *entry) publish() {
	s := e.state
	e.snap.Store(&s)
}

// Option 配置 Registry。
type Option func(*Registry)

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry 维护提交节点的延迟与健康状态，并为每次提交挑选节点。
// 由调用方构造一次并以指针共享，状态只通过 RecordObservation 与 MarkFailed 修改。
type Registry struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// New 创建节点注册表。
func New(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:     cfg.normalized(),
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config 返回生效的配置。
func (r *Registry) Config() Config {
	return r.cfg
}

// Register 注册节点，初始无观测且不健康。重复注册不影响已有状态。
func (r *Registry) Register(endpoint string) error {
	if endpoint == "" {
		return errors.New("validator: endpoint 不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[endpoint]; ok {
		return nil
	}
	e := &entry{state: Record{Endpoint: endpoint}}
	e.publish()
	r.entries[endpoint] = e

	r.logger.Info("注册验证节点", zap.String("endpoint", endpoint))
	return nil
}

func (r *Registry) lookup(endpoint string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[endpoint]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("validator: %s: %w", endpoint, ErrUnknownEndpoint)
	}
	return e, nil
}

// RecordObservation 记录一次 effects 延迟并更新 EWMA。
func (r *Registry) RecordObservation(endpoint string, effectsMs float64) error {
	if effectsMs < 0 {
		return fmt.Errorf("validator: effects_ms 不能为负: %v", effectsMs)
	}
	e, err := r.lookup(endpoint)
	if err != nil {
		return err
	}

	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	wasHealthy := e.state.Healthy
	if e.state.Observations == 0 {
		e.state.EWMA = effectsMs
	} else {
		e.state.EWMA = r.cfg.Alpha*effectsMs + (1-r.cfg.Alpha)*e.state.EWMA
	}
	e.state.Observations++
	e.state.LastObserved = now
	r.refresh(e, now)
	e.publish()

	if !wasHealthy && e.state.Healthy {
		r.logger.Info("验证节点恢复健康",
			zap.String("endpoint", endpoint),
			zap.Float64("ewma_ms", e.state.EWMA),
			zap.Int("observations", e.state.Observations))
	}
	return nil
}

// MarkFailed 记录一次提交失败，窗口内失败次数超过阈值时降级。
func (r *Registry) MarkFailed(endpoint string) error {
	e, err := r.lookup(endpoint)
	if err != nil {
		return err
	}

	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	wasHealthy := e.state.Healthy
	e.failures = append(e.failures, now)
	e.state.LastFailure = now
	r.refresh(e, now)
	e.publish()

	if wasHealthy && !e.state.Healthy {
		r.logger.Warn("验证节点降级",
			zap.String("endpoint", endpoint),
			zap.Int("failures", e.state.Failures),
			zap.Duration("window", r.cfg.FailureWindow))
	}
	return nil
}

// refresh 裁剪窗口外的失败并重算健康状态，调用方须持有 e.mu。
func (r *Registry) refresh(e *entry, now time.Time) {
	cutoff := now.Add(-r.cfg.FailureWindow)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept
	e.state.Failures = len(kept)

	// 降级持续到窗口内失败数回落到阈值以内
	e.state.demotedUntil = time.Time{}
	if excess := len(kept) - r.cfg.FailureThreshold; excess > 0 {
		e.state.demotedUntil = kept[excess-1].Add(r.cfg.FailureWindow)
	}
	e.state.Healthy = e.state.Observations >= r.cfg.MinObservations && !now.Before(e.state.demotedUntil)
}

// eligible 判断快照在 now 时刻能否被选中。
func (r *Registry) eligible(s *Record, now time.Time) bool {
	if s.Observations < r.cfg.MinObservations {
		return false
	}
	if now.Before(s.demotedUntil) {
		return false
	}
	if s.LastObserved.IsZero() || now.Sub(s.LastObserved) > r.cfg.Staleness {
		return false
	}
	return true
}

// Select 返回 EWMA 最低的健康节点，exclude 中的节点不参与选择。
// 只读取各节点的已发布快照，不会等待其他节点上的写入。
func (r *Registry) Select(exclude ...string) (string, error) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best     string
		bestEWMA float64
		found    bool
	)
	for endpoint, e := range r.entries {
		if contains(exclude, endpoint) {
			continue
		}
		s := e.snap.Load()
		if !r.eligible(s, now) {
			continue
		}
		if !found || s.EWMA < bestEWMA || (s.EWMA == bestEWMA && endpoint < best) {
			best, bestEWMA, found = endpoint, s.EWMA, true
		}
	}
	if !found {
		return "", ErrNoHealthyValidator
	}
	return best, nil
}

// Stats 返回全部节点状态副本，按 endpoint 排序。
func (r *Registry) Stats() []Record {
	now := r.now()

	r.mu.RLock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		s := *e.snap.Load()
		s.Healthy = r.eligible(&s, now)
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Get 返回单个节点状态副本。
func (r *Registry) Get(endpoint string) (Record, error) {
	e, err := r.lookup(endpoint)
	if err != nil {
		return Record{}, err
	}
	s := *e.snap.Load()
	s.Healthy = r.eligible(&s, r.now())
	return s, nil
}

// Len 返回已注册节点数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
