package execution

import (
	"context"
	"errors"
	"sync"
)

// flight 为去重缓存中的条目：进行中或终态。
type flight struct {
	done      chan struct{}
	terminal  bool
	abandoned bool
	// counted 表示终态由本进程写入并已计入统计
	counted bool
	result  Result
	err     error
	// oob 为进行中时收到的带外确认
	oob *Result
}

// dedupCache 以摘要为键保证同一内容至多一次终态结果。
// 查找与插入在同一把锁内完成，进行中的条目对其他调用可见。
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]*flight
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[string]*flight)}
}

// begin 返回摘要对应的条目；owner 为 true 表示调用方新建了进行中条目并负责提交。
func (c *dedupCache) begin(digest string) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.entries[digest]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	c.entries[digest] = f
	return f, true
}

// settled 为已结束条目的结果。
type settled struct {
	result Result
	err    error
}

// wait 等待条目结束。返回 nil 表示条目被放弃，调用方应重新 begin。
func (c *dedupCache) wait(ctx context.Context, f *flight) (*settled, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.abandoned {
		return nil, nil
	}
	return &settled{result: f.result, err: f.err}, nil
}

// complete 写入执行自身的终态结果并返回最终生效的结果。
// 进行中收到的带外确认优先于本次尝试得到的拒绝或失败。
func (c *dedupCache) complete(f *flight, result Result, err error) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.terminal {
		return f.result, f.err
	}
	if f.oob != nil && result.Status != StatusConfirmed {
		result.Status = StatusConfirmed
		result.State = StateConfirmed
		result.EffectsMs = f.oob.EffectsMs
		result.Reason = ""
		err = nil
	}
	f.terminal = true
	f.counted = true
	f.result = result
	f.err = err
	close(f.done)
	return result, err
}

// abandon 在从未提交过时撤销进行中条目，等待者会重新竞争。
func (c *dedupCache) abandon(digest string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.terminal {
		return
	}
	f.abandoned = true
	if c.entries[digest] == f {
		delete(c.entries, digest)
	}
	close(f.done)
}

// outOfBand 返回进行中条目收到的带外确认。
func (c *dedupCache) outOfBand(f *flight) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.oob == nil {
		return Result{}, false
	}
	return *f.oob, true
}

// confirm 记录带外确认。确认总是优先：覆盖非确认的终态，或提示进行中的重试停止。
// prev 为被覆盖且已计入统计的终态，其余情况为空。
func (c *dedupCache) confirm(digest string, result Result) (prev Status, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result.State = StateConfirmed
	f, ok := c.entries[digest]
	if !ok {
		f = &flight{done: make(chan struct{}), terminal: true, result: result}
		close(f.done)
		c.entries[digest] = f
		return "", true
	}
	if f.terminal {
		if f.result.Status == StatusConfirmed {
			return "", false
		}
		if f.counted {
			prev = f.result.Status
		}
		f.result.Status = StatusConfirmed
		f.result.State = StateConfirmed
		f.result.EffectsMs = result.EffectsMs
		f.result.Reason = ""
		f.err = nil
		return prev, true
	}
	f.oob = &result
	return "", true
}

// restore 以终态条目回灌缓存，已存在的条目保持不变。
func (c *dedupCache) restore(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[result.Digest]; ok {
		return
	}
	f := &flight{done: make(chan struct{}), terminal: true, result: result}
	if result.Status != StatusConfirmed {
		f.err = &Error{Digest: result.Digest, Attempts: result.Attempts, Err: restoredError(result)}
	}
	close(f.done)
	c.entries[result.Digest] = f
}

// lookup 返回终态结果。
func (c *dedupCache) lookup(digest string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.entries[digest]
	if !ok || !f.terminal {
		return Result{}, false
	}
	return f.result, true
}

func restoredError(result Result) error {
	if result.Status == StatusRejected {
		return &RejectedError{Reason: result.Reason}
	}
	if result.Reason == "" {
		return errors.New("execution: 已记录的失败结果")
	}
	return errors.New(result.Reason)
}
