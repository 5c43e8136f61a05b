package selector

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/multierr"

	"exec-router/internal/route"
)

const (
	defaultTieEpsilon     = 1e-9
	defaultMaxSplitVenues = 3
)

// Config 控制路由评分。
type Config struct {
	BaseLatencyMs         float64
	SharedObjectLatencyMs float64
	LatencyCostPerMs      float64
	NoLiquidityImpact     float64
	TieEpsilon            float64
	MaxSplitVenues        int
}

// Selector 在行情快照上为订单请求生成并排序候选路由。
// Selector 不可变，只读取传入的快照，因此可被任意 goroutine 共享。
type Selector struct {
	venues map[string]route.Venue
	order  []string
	model  route.CostModel
	cfg    Config
}

// New 创建路由选择器。
func New(venues []route.Venue, cfg Config) (*Selector, error) {
	if len(venues) == 0 {
		return nil, errors.New("selector: 至少需要一个 venue")
	}

	model := route.CostModel{
		BaseLatencyMs:         cfg.BaseLatencyMs,
		SharedObjectLatencyMs: cfg.SharedObjectLatencyMs,
		LatencyCostPerMs:      cfg.LatencyCostPerMs,
		NoLiquidityImpact:     cfg.NoLiquidityImpact,
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	if cfg.TieEpsilon <= 0 {
		cfg.TieEpsilon = defaultTieEpsilon
	}
	if cfg.MaxSplitVenues < 2 {
		cfg.MaxSplitVenues = defaultMaxSplitVenues
	}

	byName := make(map[string]route.Venue, len(venues))
	order := make([]string, 0, len(venues))
	for _, v := range venues {
		if v.Name == "" {
			return nil, errors.New("selector: venue 名称不能为空")
		}
		if _, dup := byName[v.Name]; dup {
			return nil, fmt.Errorf("selector: 重复的 venue %s", v.Name)
		}
		byName[v.Name] = v
		order = append(order, v.Name)
	}
	sort.Strings(order)

	return &Selector{
		venues: byName,
		order:  order,
		model:  model,
		cfg:    cfg,
	}, nil
}

// WithLatency 返回使用新延迟常数的副本。
func (s *Selector) WithLatency(baseMs, sharedMs float64) (*Selector, error) {
	cfg := s.cfg
	cfg.BaseLatencyMs = baseMs
	cfg.SharedObjectLatencyMs = sharedMs

	venues := make([]route.Venue, 0, len(s.order))
	for _, name := range s.order {
		venues = append(venues, s.venues[name])
	}
	return New(venues, cfg)
}

// CostModel 返回当前成本模型。
func (s *Selector) CostModel() route.CostModel {
	return s.model
}

// Venues 返回已注册的场所名。
func (s *Selector) Venues() []string {
	return append([]string(nil), s.order...)
}

// SelectRoute 为请求生成所有合法候选并按 price-of-execution 升序排列。
func (s *Selector) SelectRoute(req route.OrderRequest, quotes []route.VenueQuote) (Selection, error) {
	usable := s.usableQuotes(req.Pool, quotes)

	var (
		candidates []route.Plan
		reasons    error
	)
	collect := func(r route.Route, err error) {
		if err != nil {
			reasons = multierr.Append(reasons, err)
			return
		}
		plan, err := route.NewPlan(r, s.model, usable)
		if err != nil {
			reasons = multierr.Append(reasons, err)
			return
		}
		candidates = append(candidates, plan)
	}

	if len(usable) == 0 {
		reasons = multierr.Append(reasons, fmt.Errorf("selector: pool %s 没有可用的行情快照", req.Pool))
	}

	switch {
	case req.Intent == route.IntentArbitrage:
		s.arbitrageCandidates(req, usable, collect)
	case req.Replace != nil:
		s.replaceCandidates(req, usable, collect)
	default:
		s.limitCandidates(req, usable, collect)
	}

	if len(candidates) == 0 {
		return Selection{}, &route.NoRouteError{Pool: req.Pool, Reasons: reasons}
	}

	eps := s.cfg.TieEpsilon
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j], eps)
	})

	return Selection{candidates: candidates}, nil
}

// usableQuotes 过滤出属于该 pool 且场所已注册的快照，按场所名排序以保证确定性。
func (s *Selector) usableQuotes(pool string, quotes []route.VenueQuote) []route.VenueQuote {
	out := make([]route.VenueQuote, 0, len(quotes))
	seen := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		if q.Pool != pool {
			continue
		}
		if _, ok := s.venues[q.Venue]; !ok {
			continue
		}
		if _, dup := seen[q.Venue]; dup {
			continue
		}
		seen[q.Venue] = struct{}{}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// less 先比较按 eps 取整后的成本档位，同档内依次偏好快速路径、路由类型与场所名，最后比较精确成本。
// 档位边界两侧相差不足 eps 的成本不视为平局。
func less(a, b route.Plan, eps float64) bool {
	ta, tb := a.PriceOfExecution(), b.PriceOfExecution()
	if ka, kb := scoreBucket(ta, eps), scoreBucket(tb, eps); ka != kb {
		return ka < kb
	}
	ga, gb := a.RequiresGlobalOrdering(), b.RequiresGlobalOrdering()
	if ga != gb {
		return !ga
	}
	if ra, rb := a.Kind().Rank(), b.Kind().Rank(); ra != rb {
		return ra < rb
	}
	if va, vb := fmt.Sprint(a.Venues()), fmt.Sprint(b.Venues()); va != vb {
		return va < vb
	}
	return ta < tb
}

func scoreBucket(total, eps float64) float64 {
	return math.Round(total / eps)
}
