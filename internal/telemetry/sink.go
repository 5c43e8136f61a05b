package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink 接收事件，实现必须立即返回。
type Sink interface {
	Emit(Event)
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Emit(Event) {}

// Fanout 将事件依次分发给多个 Sink。
type Fanout []Sink

func (f Fanout) Emit(ev Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ev)
		}
	}
}

const defaultAsyncBuffer = 1024

// Async 通过有界队列把事件交给后台 goroutine，队列满时丢弃并计数。
type Async struct {
	next    Sink
	ch      chan Event
	logger  *zap.Logger
	dropped atomic.Uint64

	once sync.Once
	done chan struct{}
}

// NewAsync 创建异步 Sink，需调用 Run 开始消费。
func NewAsync(next Sink, buffer int, logger *zap.Logger) *Async {
	if next == nil {
		next = Nop{}
	}
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{
		next:   next,
		ch:     make(chan Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Emit 非阻塞入队。
func (a *Async) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case a.ch <- ev:
	default:
		if n := a.dropped.Add(1); n&(n-1) == 0 {
			a.logger.Warn("遥测队列已满，丢弃事件", zap.Uint64("dropped", n))
		}
	}
}

// Run 消费队列直至 ctx 结束，退出前尽量清空剩余事件。
func (a *Async) Run(ctx context.Context) {
	defer a.once.Do(func() { close(a.done) })
	for {
		select {
		case ev := <-a.ch:
			a.next.Emit(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.ch:
					a.next.Emit(ev)
				default:
					return
				}
			}
		}
	}
}

// Done 在 Run 退出后关闭。
func (a *Async) Done() <-chan struct{} {
	return a.done
}

// Dropped 返回被丢弃的事件数。
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}
