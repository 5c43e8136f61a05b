package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReferencePricer 返回交易对的参考中间价。
type ReferencePricer interface {
	ReferenceMid(ctx context.Context, symbol string) (float64, error)
}

var _ ReferencePricer = (*Client)(nil)

// ReferenceService 并发拉取多个交易对的参考价。
type ReferenceService struct {
	pricer ReferencePricer
	logger *zap.Logger
}

// NewReferenceService 创建参考价服务。
func NewReferenceService(pricer ReferencePricer, logger *zap.Logger) *ReferenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferenceService{
		pricer: pricer,
		logger: logger,
	}
}

// Mids 拉取全部交易对的中间价，任一失败即返回错误。
func (s *ReferenceService) Mids(ctx context.Context, symbols []string) (map[string]float64, error) {
	var (
		mu   sync.Mutex
		mids = make(map[string]float64, len(symbols))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		group.Go(func() error {
			mid, err := s.pricer.ReferenceMid(groupCtx, symbol)
			if err != nil {
				return fmt.Errorf("exchange: %s: %w", symbol, err)
			}
			mu.Lock()
			mids[symbol] = mid
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("参考价获取完成",
		zap.Int("symbols", len(mids)),
		zap.Time("retrieved_at", time.Now().UTC()),
	)
	return mids, nil
}
