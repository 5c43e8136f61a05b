package selector

import "sync"

const (
	defaultLatencyAlpha      = 0.1
	defaultLatencyMinSamples = 10
	latencyWindow            = 100
)

// LatencyEstimator 根据实际执行耗时平滑估计快速路径与共享路径的延迟。
type LatencyEstimator struct {
	mu         sync.Mutex
	alpha      float64
	minSamples int
	base       latencyTrack
	shared     latencyTrack
}

type latencyTrack struct {
	ewma    float64
	samples int
	recent  []float64
	next    int
}

func (t *latencyTrack) observe(ms, alpha float64) {
	if t.samples == 0 {
		t.ewma = ms
	} else {
		t.ewma = alpha*ms + (1-alpha)*t.ewma
	}
	t.samples++

	if len(t.recent) < latencyWindow {
		t.recent = append(t.recent, ms)
		return
	}
	t.recent[t.next] = ms
	t.next = (t.next + 1) % latencyWindow
}

func (t *latencyTrack) mean() float64 {
	if len(t.recent) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range t.recent {
		sum += v
	}
	return sum / float64(len(t.recent))
}

// LatencyStats 为估计器的只读快照。
type LatencyStats struct {
	BaseEWMA      float64 `json:"base_ewma_ms"`
	SharedEWMA    float64 `json:"shared_ewma_ms"`
	BaseMean      float64 `json:"base_window_mean_ms"`
	SharedMean    float64 `json:"shared_window_mean_ms"`
	BaseSamples   int     `json:"base_samples"`
	SharedSamples int     `json:"shared_samples"`
}

// NewLatencyEstimator 创建估计器，非法参数回退到默认值。
func NewLatencyEstimator(alpha float64, minSamples int) *LatencyEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultLatencyAlpha
	}
	if minSamples <= 0 {
		minSamples = defaultLatencyMinSamples
	}
	return &LatencyEstimator{alpha: alpha, minSamples: minSamples}
}

// Observe 记录一次执行的端到端耗时。
func (e *LatencyEstimator) Observe(global bool, ms float64) {
	if ms < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if global {
		e.shared.observe(ms, e.alpha)
	} else {
		e.base.observe(ms, e.alpha)
	}
}

// Estimate 返回当前估计。两条路径样本都足够且共享路径仍慢于快速路径时 ok 为 true。
func (e *LatencyEstimator) Estimate() (baseMs, sharedMs float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	baseMs, sharedMs = e.base.ewma, e.shared.ewma
	ok = e.base.samples >= e.minSamples &&
		e.shared.samples >= e.minSamples &&
		sharedMs > baseMs
	return baseMs, sharedMs, ok
}

func (e *LatencyEstimator) Stats() LatencyStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return LatencyStats{
		BaseEWMA:      e.base.ewma,
		SharedEWMA:    e.shared.ewma,
		BaseMean:      e.base.mean(),
		SharedMean:    e.shared.mean(),
		BaseSamples:   e.base.samples,
		SharedSamples: e.shared.samples,
	}
}
