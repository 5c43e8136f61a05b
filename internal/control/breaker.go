package control

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen 表示该路由类别处于熔断状态。
var ErrCircuitOpen = errors.New("control: circuit open")

// State 为熔断器状态。
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig 为滑动窗口熔断参数。
type BreakerConfig struct {
	Window     int
	Threshold  float64
	MinSamples int
	Cooldown   time.Duration
}

// DefaultBreakerConfig 返回默认参数：窗口 100，失败率 50%，至少 20 个样本，冷却 5 秒。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:     100,
		Threshold:  0.5,
		MinSamples: 20,
		Cooldown:   5 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = def.Threshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	if c.MinSamples > c.Window {
		c.MinSamples = c.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// BreakerStatus 为熔断器状态快照。
type BreakerStatus struct {
	Class       string    `json:"class"`
	State       State     `json:"state"`
	Samples     int       `json:"samples"`
	FailureRate float64   `json:"failure_rate"`
	OpenUntil   time.Time `json:"open_until,omitempty"`
}

type breaker struct {
	outcomes  []bool // true 为失败
	next      int
	count     int
	failures  int
	state     State
	openUntil time.Time
}

func (b *breaker) push(failure bool, window int) {
	if b.count == window {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.outcomes[b.next] = failure
	if failure {
		b.failures++
	}
	b.next = (b.next + 1) % window
}

func (b *breaker) reset() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next, b.count, b.failures = 0, 0, 0
}

func (b *breaker) rate() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

// Breakers 按路由类别维护熔断器。
type Breakers struct {
	cfg    BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	classes map[string]*breaker
}

// NewBreakers 创建熔断器集合。
func NewBreakers(cfg BreakerConfig, logger *zap.Logger) *Breakers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{
		cfg:     cfg.normalized(),
		logger:  logger,
		now:     time.Now,
		classes: make(map[string]*breaker),
	}
}

func (b *Breakers) get(class string) *breaker {
	br, ok := b.classes[class]
	if !ok {
		br = &breaker{outcomes: make([]bool, b.cfg.Window), state: StateClosed}
		b.classes[class] = br
	}
	return br
}

// Allow 判断该类别是否可以执行；冷却结束后进入半开状态放行试探请求。
func (b *Breakers) Allow(class string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(class)
	if br.state == StateOpen {
		if b.now().Before(br.openUntil) {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, class)
		}
		br.state = StateHalfOpen
		b.logger.Info("熔断器进入半开状态", zap.String("class", class))
	}
	return nil
}

// Record 记录一次执行结果。
func (b *Breakers) Record(class string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(class)
	switch br.state {
	case StateHalfOpen:
		if success {
			br.state = StateClosed
			br.reset()
			b.logger.Info("熔断器恢复", zap.String("class", class))
			return
		}
		b.open(class, br)
		return
	case StateOpen:
		// 冷却期内的迟到结果不改变状态
		return
	}

	br.push(!success, b.cfg.Window)
	if br.count >= b.cfg.MinSamples && br.rate() >= b.cfg.Threshold {
		b.open(class, br)
	}
}

func (b *Breakers) open(class string, br *breaker) {
	br.state = StateOpen
	br.openUntil = b.now().Add(b.cfg.Cooldown)
	b.logger.Warn("熔断器打开",
		zap.String("class", class),
		zap.Float64("failure_rate", br.rate()),
		zap.Int("samples", br.count),
		zap.Time("open_until", br.openUntil),
	)
}

// Snapshot 返回按类别排序的状态。
func (b *Breakers) Snapshot() []BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BreakerStatus, 0, len(b.classes))
	for class, br := range b.classes {
		st := BreakerStatus{
			Class:       class,
			State:       br.state,
			Samples:     br.count,
			FailureRate: br.rate(),
		}
		if br.state == StateOpen {
			st.OpenUntil = br.openUntil
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
