package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exec-router/internal/validator"
)

type pinger interface {
	Ping(ctx context.Context, endpoint string) (time.Duration, error)
}

// validatorPinger 主动测量节点往返延迟，使注册表在没有真实流量时也能积累观测。
type validatorPinger struct {
	pinger    pinger
	registry  *validator.Registry
	endpoints []string
	timeout   time.Duration
	logger    *zap.Logger
}

func (p *validatorPinger) round(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, ep := range p.endpoints {
		group.Go(func() error {
			pingCtx, cancel := context.WithTimeout(groupCtx, p.timeout)
			defer cancel()

			rtt, err := p.pinger.Ping(pingCtx, ep)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Debug("节点探测失败", zap.String("endpoint", ep), zap.Error(err))
				_ = p.registry.MarkFailed(ep)
				return nil
			}
			ms := float64(rtt.Microseconds()) / 1000
			_ = p.registry.RecordObservation(ep, ms)
			return nil
		})
	}
	_ = group.Wait()
}

// bootstrap 连续探测 rounds 轮，让节点尽快满足最小观测数。
func (p *validatorPinger) bootstrap(ctx context.Context, rounds int) {
	for i := 0; i < rounds && ctx.Err() == nil; i++ {
		p.round(ctx)
	}
	p.logger.Info("节点探测预热完成", zap.Int("rounds", rounds), zap.Int("endpoints", len(p.endpoints)))
}

func (p *validatorPinger) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.round(ctx)
		}
	}
}
