package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"exec-router/internal/route"
)

type keyQueue struct {
	waiters []chan struct{}
}

func (q *keyQueue) remove(ch chan struct{}) bool {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// LockArena 按资源键串行化执行。同一键的等待者按到达顺序获得锁。
type LockArena struct {
	mu   sync.Mutex
	held map[route.ResourceKey]*keyQueue
}

// NewLockArena 创建资源锁集合。
func NewLockArena() *LockArena {
	return &LockArena{held: make(map[route.ResourceKey]*keyQueue)}
}

// Acquire 按排序后的顺序获取全部键，返回幂等的释放函数。
// wait > 0 时等待上限为 wait；超时或 ctx 结束返回 ErrResourceContention。
func (a *LockArena) Acquire(ctx context.Context, keys []route.ResourceKey, wait time.Duration) (func(), error) {
	sorted := dedupKeys(keys)
	if len(sorted) == 0 {
		return func() {}, nil
	}

	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	acquired := make([]route.ResourceKey, 0, len(sorted))
	for _, key := range sorted {
		if err := a.acquireOne(ctx, key); err != nil {
			a.releaseAll(acquired)
			return nil, fmt.Errorf("execution: 等待资源 %s: %w: %w", key, ErrResourceContention, err)
		}
		acquired = append(acquired, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.releaseAll(acquired) })
	}, nil
}

func (a *LockArena) acquireOne(ctx context.Context, key route.ResourceKey) error {
	a.mu.Lock()
	q, busy := a.held[key]
	if !busy {
		a.held[key] = &keyQueue{}
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		removed := q.remove(ch)
		a.mu.Unlock()
		if !removed {
			// 取消与移交同时发生，锁已转给本调用，需要交还
			a.releaseOne(key)
		}
		return ctx.Err()
	}
}

func (a *LockArena) releaseAll(keys []route.ResourceKey) {
	for i := len(keys) - 1; i >= 0; i-- {
		a.releaseOne(keys[i])
	}
}

// releaseOne 将锁直接移交给队首等待者，没有等待者时删除该键。
func (a *LockArena) releaseOne(key route.ResourceKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.held[key]
	if !ok {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	delete(a.held, key)
}

// Held 返回当前被持有的键数量。
func (a *LockArena) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func dedupKeys(keys []route.ResourceKey) []route.ResourceKey {
	seen := make(map[route.ResourceKey]struct{}, len(keys))
	out := make([]route.ResourceKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
