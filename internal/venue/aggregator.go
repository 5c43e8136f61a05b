package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exec-router/internal/route"
)

// Aggregator 并发拉取所有场所的盘口，组成选路用的快照。
type Aggregator struct {
	sources []Source
	maxAge  time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// AggregatorOption 定制聚合器。
type AggregatorOption func(*Aggregator)

// WithMaxAge 设置快照最大时效，0 表示不检查。
func WithMaxAge(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.maxAge = d }
}

// WithFetchTimeout 设置单个场所的拉取超时。
func WithFetchTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.timeout = d }
}

// WithNow 替换时钟，测试使用。
func WithNow(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator 创建盘口聚合器。
func NewAggregator(sources []Source, logger *zap.Logger, opts ...AggregatorOption) (*Aggregator, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("venue: 至少需要一个行情源")
	}
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if _, dup := seen[s.Venue()]; dup {
			return nil, fmt.Errorf("venue: 重复的场所 %s", s.Venue())
		}
		seen[s.Venue()] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		sources: append([]Source(nil), sources...),
		maxAge:  5 * time.Second,
		timeout: 2 * time.Second,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Snapshot 返回按场所排序的有效快照。单个场所失败或过期只会被剔除；
// 全部失败时返回合并后的错误。
func (a *Aggregator) Snapshot(ctx context.Context, pool string) ([]route.VenueQuote, error) {
	var (
		mu     sync.Mutex
		quotes = make([]route.VenueQuote, 0, len(a.sources))
		errs   error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, src := range a.sources {
		group.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(groupCtx, a.timeout)
			defer cancel()

			q, err := src.Quote(fetchCtx, pool)
			if err == nil {
				err = a.check(q, pool)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", src.Venue(), err))
				return nil
			}
			q.Venue = src.Venue()
			quotes = append(quotes, q)
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Venue < quotes[j].Venue })

	if errs != nil {
		a.logger.Warn("部分场所盘口不可用",
			zap.String("pool", pool),
			zap.Int("usable", len(quotes)),
			zap.Error(errs),
		)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("venue: 交易池 %s 无可用盘口: %w", pool, errs)
	}

	a.logger.Debug("盘口快照获取完成",
		zap.String("pool", pool),
		zap.Int("venues", len(quotes)),
	)
	return quotes, nil
}

// Sources 返回行情源的场所名。
func (a *Aggregator) Sources() []string {
	names := make([]string, 0, len(a.sources))
	for _, s := range a.sources {
		names = append(names, s.Venue())
	}
	sort.Strings(names)
	return names
}

func (a *Aggregator) check(q route.VenueQuote, pool string) error {
	if q.Pool != "" && q.Pool != pool {
		return fmt.Errorf("venue: 快照交易池 %s 与请求 %s 不一致", q.Pool, pool)
	}
	if a.maxAge > 0 && !q.Timestamp.IsZero() {
		if age := a.now().Sub(q.Timestamp); age > a.maxAge {
			return fmt.Errorf("%w: %s", ErrStaleQuote, age)
		}
	}
	return nil
}
