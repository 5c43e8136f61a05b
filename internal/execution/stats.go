package execution

import (
	"math"
	"sync/atomic"
)

// Stats 为执行统计快照。
type Stats struct {
	Total         uint64  `json:"total"`
	Confirmed     uint64  `json:"confirmed"`
	Failed        uint64  `json:"failed"`
	Rejected      uint64  `json:"rejected"`
	Duplicates    uint64  `json:"duplicates"`
	Submissions   uint64  `json:"submissions"`
	Timeouts      uint64  `json:"timeouts"`
	AvgEffectsMs  float64 `json:"avg_effects_ms"`
	SuccessRate   float64 `json:"success_rate"`
	InFlightLocks int     `json:"in_flight_locks"`
}

type counters struct {
	total       atomic.Uint64
	confirmed   atomic.Uint64
	failed      atomic.Uint64
	rejected    atomic.Uint64
	duplicates  atomic.Uint64
	submissions atomic.Uint64
	timeouts    atomic.Uint64
	// effectsSum 以 float64 位模式存储
	effectsSum atomic.Uint64
}

func (c *counters) addEffects(ms float64) {
	for {
		old := c.effectsSum.Load()
		next := math.Float64bits(math.Float64frombits(old) + ms)
		if c.effectsSum.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *counters) terminal(status Status, effectsMs float64) {
	switch status {
	case StatusConfirmed:
		c.confirmed.Add(1)
		c.addEffects(effectsMs)
	case StatusRejected:
		c.rejected.Add(1)
	default:
		c.failed.Add(1)
	}
}

// reclassify 将已计为失败或拒绝的终态改记为确认。
func (c *counters) reclassify(from Status, effectsMs float64) {
	switch from {
	case StatusRejected:
		c.rejected.Add(^uint64(0))
	case StatusFailed:
		c.failed.Add(^uint64(0))
	default:
		return
	}
	c.confirmed.Add(1)
	c.addEffects(effectsMs)
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Total:       c.total.Load(),
		Confirmed:   c.confirmed.Load(),
		Failed:      c.failed.Load(),
		Rejected:    c.rejected.Load(),
		Duplicates:  c.duplicates.Load(),
		Submissions: c.submissions.Load(),
		Timeouts:    c.timeouts.Load(),
	}
	if s.Confirmed > 0 {
		s.AvgEffectsMs = math.Float64frombits(c.effectsSum.Load()) / float64(s.Confirmed)
	}
	if done := s.Confirmed + s.Failed + s.Rejected; done > 0 {
		s.SuccessRate = float64(s.Confirmed) / float64(done)
	}
	return s
}
