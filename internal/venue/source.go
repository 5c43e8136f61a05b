package venue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"exec-router/internal/route"
)

var (
	// ErrPoolNotFound 表示行情源没有该交易池的盘口。
	ErrPoolNotFound = errors.New("venue: 未找到交易池")
	// ErrStaleQuote 表示快照超过允许的最大时效。
	ErrStaleQuote = errors.New("venue: 行情快照过期")
)

// Source 为单个场所的盘口来源。
type Source interface {
	Venue() string
	Quote(ctx context.Context, pool string) (route.VenueQuote, error)
}

// PoolSpec 为交易池的量化约束与费率，通常来自配置。
type PoolSpec struct {
	TickSize float64
	LotSize  float64
	MinSize  float64
	MakerFee float64
	TakerFee float64
}

// Apply 将约束与费率写入快照。
func (p PoolSpec) Apply(q *route.VenueQuote) {
	q.TickSize = p.TickSize
	q.LotSize = p.LotSize
	q.MinSize = p.MinSize
	q.MakerFee = p.MakerFee
	q.TakerFee = p.TakerFee
}

// StaticSource 返回预先设置的快照，用于模拟场所和测试。
type StaticSource struct {
	name  string
	mu    sync.RWMutex
	books map[string]route.VenueQuote
	now   func() time.Time
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource 创建静态行情源。
func NewStaticSource(name string, quotes ...route.VenueQuote) *StaticSource {
	s := &StaticSource{
		name:  name,
		books: make(map[string]route.VenueQuote),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, q := range quotes {
		s.Set(q)
	}
	return s
}

// Venue 返回场所名。
func (s *StaticSource) Venue() string {
	return s.name
}

// Set 替换某交易池的快照。
func (s *StaticSource) Set(q route.VenueQuote) {
	q.Venue = s.name
	q.Bids = normalizeLevels(q.Bids, true)
	q.Asks = normalizeLevels(q.Asks, false)
	s.mu.Lock()
	s.books[q.Pool] = q
	s.mu.Unlock()
}

// Quote 返回快照副本，未设置时间戳时按当前时间补齐。
func (s *StaticSource) Quote(ctx context.Context, pool string) (route.VenueQuote, error) {
	if err := ctx.Err(); err != nil {
		return route.VenueQuote{}, err
	}
	s.mu.RLock()
	q, ok := s.books[pool]
	s.mu.RUnlock()
	if !ok {
		return route.VenueQuote{}, ErrPoolNotFound
	}
	q.Bids = append([]route.PriceLevel(nil), q.Bids...)
	q.Asks = append([]route.PriceLevel(nil), q.Asks...)
	if q.Funding != nil {
		f := *q.Funding
		q.Funding = &f
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = s.now()
	}
	return q, nil
}

// normalizeLevels 丢弃无效档位并排序：买盘降序，卖盘升序。
func normalizeLevels(levels []route.PriceLevel, desc bool) []route.PriceLevel {
	out := make([]route.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price <= 0 || l.Quantity <= 0 {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
