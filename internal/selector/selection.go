package selector

import "exec-router/internal/route"

// Selection 为按成本升序排列的候选集合，至少包含一个候选。
type Selection struct {
	candidates []route.Plan
}

// Best 返回成本最低的候选。
func (s Selection) Best() route.Plan {
	return s.candidates[0]
}

// Candidates 返回全部候选的副本。
func (s Selection) Candidates() []route.Plan {
	return append([]route.Plan(nil), s.candidates...)
}

// Alternatives 返回除最优外的候选。
func (s Selection) Alternatives() []route.Plan {
	if len(s.candidates) <= 1 {
		return nil
	}
	return append([]route.Plan(nil), s.candidates[1:]...)
}

func (s Selection) Len() int {
	return len(s.candidates)
}
