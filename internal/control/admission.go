package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrAdmissionRejected 表示请求未能在限定时间内获得准入。
var ErrAdmissionRejected = errors.New("control: admission rejected")

// AdmissionConfig 为准入控制参数。
type AdmissionConfig struct {
	MaxInFlight int
	// RatePerSecond 为 0 时不限速
	RatePerSecond int
	// Wait 为排队上限，0 表示只受 ctx 约束
	Wait time.Duration
}

// Admission 限制同时执行的请求数与每秒请求数。
type Admission struct {
	cfg     AdmissionConfig
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight int
}

// NewAdmission 创建准入控制。
func NewAdmission(cfg AdmissionConfig, logger *zap.Logger) (*Admission, error) {
	if cfg.MaxInFlight <= 0 {
		return nil, fmt.Errorf("control: max_in_flight 必须大于0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Admission{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger: logger,
	}
	if cfg.RatePerSecond > 0 {
		// 容量与速率相同，允许一秒内的突发
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}
	return a, nil
}

// Acquire 获取一个执行许可，返回的 release 必须调用且可重复调用。
func (a *Admission) Acquire(ctx context.Context) (func(), error) {
	if a.cfg.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Wait)
		defer cancel()
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// 预计等待超过截止时间时 Wait 会提前返回
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return nil, a.reject("rate", err)
		}
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, a.reject("in_flight", err)
	}

	a.mu.Lock()
	a.inFlight++
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.inFlight--
			a.mu.Unlock()
			a.sem.Release(1)
		})
	}, nil
}

// InFlight 返回当前持有许可的请求数。
func (a *Admission) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

func (a *Admission) reject(limit string, err error) error {
	a.logger.Debug("准入被拒绝", zap.String("limit", limit), zap.Error(err))
	return fmt.Errorf("%w (%s): %w", ErrAdmissionRejected, limit, err)
}
