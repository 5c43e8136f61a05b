package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-router/internal/route"
	"exec-router/internal/signing"
	"exec-router/internal/telemetry"
)

// Option 配置 Engine。
type Option func(*Engine)

// WithStatusQuerier 在超时后查询摘要状态，以识别带外确认。
func WithStatusQuerier(q StatusQuerier) Option {
	return func(e *Engine) { e.querier = q }
}

// WithJournal 持久化终态结果。
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithSink 设置遥测出口。
func WithSink(s telemetry.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithLockArena 与其他组件共享资源锁。
func WithLockArena(a *LockArena) Option {
	return func(e *Engine) {
		if a != nil {
			e.locks = a
		}
	}
}

// WithTimer 替换单次尝试超时与重试退避使用的计时器，测试中可用手动触发的通道代替真实等待。
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(e *Engine) {
		if after != nil {
			e.after = after
		}
	}
}

// Engine 将路由编译、签名并提交，保证同一摘要至多一次终态结果。
type Engine struct {
	cfg        Config
	signer     Signer
	transport  Transport
	validators Validators
	querier    StatusQuerier
	journal    Journal
	sink       telemetry.Sink
	locks      *LockArena
	dedup      *dedupCache
	stats      counters
	after      func(time.Duration) <-chan time.Time
	logger     *zap.Logger
}

// NewEngine 创建执行引擎。
func NewEngine(cfg Config, signer Signer, transport Transport, validators Validators, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if signer == nil {
		return nil, errors.New("execution: signer 不能为空")
	}
	if transport == nil {
		return nil, errors.New("execution: transport 不能为空")
	}
	if validators == nil {
		return nil, errors.New("execution: validators 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:        cfg.normalized(),
		signer:     signer,
		transport:  transport,
		validators: validators,
		sink:       telemetry.Nop{},
		locks:      NewLockArena(),
		dedup:      newDedupCache(),
		after:      time.After,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Warm 从 journal 回灌终态结果，返回条目数。
func (e *Engine) Warm(ctx context.Context) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	results, err := e.journal.Terminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution: 加载历史结果失败: %w", err)
	}
	n := 0
	for _, r := range results {
		if r.State == "" {
			r.State = terminalState(r.Status)
		}
		if !r.State.Terminal() {
			e.logger.Warn("跳过非终态的历史结果", zap.String("digest", r.Digest), zap.String("state", string(r.State)))
			continue
		}
		e.dedup.restore(r)
		n++
	}
	e.logger.Info("去重缓存已回灌", zap.Int("entries", n))
	return n, nil
}

// Execute 编译并提交路由。同一摘要已有终态时直接返回缓存结果，不会再次提交。
func (e *Engine) Execute(ctx context.Context, plan route.Plan) (Result, error) {
	e.stats.total.Add(1)

	res := Result{
		ID:     uuid.NewString(),
		Kind:   plan.Kind(),
		Quotes: plan.Quotes,
	}
	if legs := route.Legs(plan.Route); len(legs) > 0 {
		res.Pool = legs[0].Pool
	}

	prog, err := Compile(plan)
	if err != nil {
		return res, err
	}
	e.transition(&res, StatePlanned)
	e.emit(telemetry.EventPlanned, res, "", nil)

	release, err := e.locks.Acquire(ctx, prog.Resources, e.cfg.LockWait)
	if err != nil {
		e.logger.Warn("资源锁等待失败",
			zap.String("execution_id", res.ID),
			zap.Any("resources", prog.Resources),
			zap.Error(err))
		return res, err
	}
	defer release()

	raw, err := prog.Bytes()
	if err != nil {
		return res, err
	}
	sig, err := e.signer.Sign(ctx, raw)
	if err != nil {
		return res, fmt.Errorf("execution: 签名失败: %w", err)
	}
	payload := Payload{
		Digest:     signing.Digest(raw),
		Program:    raw,
		Signatures: [][]byte{sig},
	}
	res.Digest = payload.Digest
	e.transition(&res, StateSigned)
	e.emit(telemetry.EventSigned, res, "", nil)

	return e.run(ctx, res, payload)
}

// run 在去重缓存上竞争提交权，非所有者等待所有者的终态结果。
func (e *Engine) run(ctx context.Context, res Result, payload Payload) (Result, error) {
	for {
		f, owner := e.dedup.begin(payload.Digest)
		if owner {
			return e.submit(ctx, f, res, payload)
		}

		st, err := e.dedup.wait(ctx, f)
		if err != nil {
			return res, fmt.Errorf("execution: 等待同摘要执行: %w", err)
		}
		if st == nil {
			continue
		}

		e.stats.duplicates.Add(1)
		e.emit(telemetry.EventDuplicate, st.result, st.result.Endpoint, nil)
		e.logger.Debug("摘要已有终态结果，跳过提交",
			zap.String("digest", payload.Digest),
			zap.String("status", string(st.result.Status)),
			zap.Error(ErrDuplicateDigest))
		dup := st.result
		dup.Duplicate = true
		return dup, st.err
	}
}

func (e *Engine) submit(ctx context.Context, f *flight, res Result, payload Payload) (Result, error) {
	var (
		tried   []string
		lastErr error
	)
	maxAttempts := e.cfg.MaxRetries + 1

loop:
	for res.Attempts < maxAttempts {
		if oob, ok := e.dedup.outOfBand(f); ok {
			return e.confirmed(ctx, f, res, res.Endpoint, oob.EffectsMs)
		}

		endpoint, err := e.validators.Select(tried...)
		if err != nil && len(tried) > 0 {
			// 所有节点均已尝试，开始新一轮轮换
			tried = tried[:0]
			endpoint, err = e.validators.Select()
		}
		if err != nil {
			lastErr = err
			break
		}

		res.Attempts++
		res.Endpoint = endpoint
		if res.SubmittedAt.IsZero() {
			res.SubmittedAt = time.Now().UTC()
		}
		e.stats.submissions.Add(1)
		e.transition(&res, StateSubmitted)
		e.emit(telemetry.EventSubmitted, res, endpoint, nil)

		start := time.Now()
		outcome, err := e.attempt(ctx, payload, endpoint)
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)

		if err == nil {
			effects := outcome.EffectsMs
			if effects <= 0 {
				effects = elapsed
			}
			switch outcome.Status {
			case StatusConfirmed:
				e.observe(endpoint, effects)
				return e.confirmed(ctx, f, res, endpoint, effects)
			case StatusFailed:
				// 已上链但执行失败，重提同一摘要没有意义
				e.observe(endpoint, effects)
				res.Status = StatusFailed
				res.EffectsMs = effects
				res.Reason = outcome.Reason
				return e.finish(ctx, f, res, &Error{
					Digest:   res.Digest,
					Attempts: res.Attempts,
					Err:      fmt.Errorf("execution: 链上执行失败: %s", outcome.Reason),
				})
			case StatusRejected:
				err = &RejectedError{Reason: outcome.Reason}
			default:
				err = fmt.Errorf("execution: 未知提交状态 %q", outcome.Status)
			}
		}

		cerr, retryable := classify(ctx, err)
		if errors.Is(cerr, ErrSubmissionRejected) {
			res.Status = StatusRejected
			res.Reason = cerr.Error()
			return e.finish(ctx, f, res, &Error{Digest: res.Digest, Attempts: res.Attempts, Err: cerr})
		}

		lastErr = cerr
		if !retryable {
			// 调用方已取消，不归咎于节点
			break
		}
		e.transition(&res, StateTimedOut)
		if markErr := e.validators.MarkFailed(endpoint); markErr != nil {
			e.logger.Warn("标记节点失败出错", zap.String("endpoint", endpoint), zap.Error(markErr))
		}
		if errors.Is(cerr, ErrSubmissionTimeout) {
			e.stats.timeouts.Add(1)
			e.emit(telemetry.EventTimedOut, res, endpoint, cerr)
		}

		if effects, ok := e.queryConfirmed(ctx, payload.Digest, endpoint); ok {
			return e.confirmed(ctx, f, res, endpoint, effects)
		}
		tried = append(tried, endpoint)

		e.logger.Warn("提交失败，轮换节点重试",
			zap.String("digest", res.Digest),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", res.Attempts),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(cerr))

		if res.Attempts < maxAttempts && e.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break loop
			case <-e.after(time.Duration(res.Attempts) * e.cfg.RetryBackoff):
			}
		}
	}

	if oob, ok := e.dedup.outOfBand(f); ok {
		return e.confirmed(ctx, f, res, res.Endpoint, oob.EffectsMs)
	}
	if res.Attempts == 0 {
		// 从未提交，不占用摘要
		e.dedup.abandon(payload.Digest, f)
		res.Status = StatusFailed
		e.transition(&res, StateFailed)
		return res, fmt.Errorf("execution: 无法提交: %w", lastErr)
	}

	res.Status = StatusFailed
	if lastErr != nil {
		res.Reason = lastErr.Error()
	}
	return e.finish(ctx, f, res, &Error{Digest: res.Digest, Attempts: res.Attempts, Err: lastErr})
}

// attempt 执行单次提交。超时后取消并放弃未完成的调用，不再等待其返回。
func (e *Engine) attempt(ctx context.Context, payload Payload, endpoint string) (Outcome, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	type reply struct {
		outcome Outcome
		err     error
	}
	ch := make(chan reply, 1)
	go func() {
		out, err := e.transport.Submit(actx, payload, endpoint)
		ch <- reply{outcome: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-e.after(e.cfg.AttemptTimeout):
		return Outcome{}, fmt.Errorf("execution: endpoint %s: %w", endpoint, ErrSubmissionTimeout)
	}
}

func (e *Engine) queryConfirmed(ctx context.Context, digest, endpoint string) (float64, bool) {
	if e.querier == nil || ctx.Err() != nil {
		return 0, false
	}
	qctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	out, found, err := e.querier.Status(qctx, digest, endpoint)
	if err != nil {
		e.logger.Debug("查询摘要状态失败", zap.String("digest", digest), zap.Error(err))
		return 0, false
	}
	if !found || out.Status != StatusConfirmed {
		return 0, false
	}
	return out.EffectsMs, true
}

func (e *Engine) observe(endpoint string, effectsMs float64) {
	if err := e.validators.RecordObservation(endpoint, effectsMs); err != nil {
		e.logger.Warn("记录节点延迟失败", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (e *Engine) confirmed(ctx context.Context, f *flight, res Result, endpoint string, effectsMs float64) (Result, error) {
	res.Status = StatusConfirmed
	res.Endpoint = endpoint
	res.EffectsMs = effectsMs
	res.Reason = ""
	return e.finish(ctx, f, res, nil)
}

// finish 写入终态并持久化。
func (e *Engine) finish(ctx context.Context, f *flight, res Result, err error) (Result, error) {
	res.CompletedAt = time.Now().UTC()
	e.transition(&res, terminalState(res.Status))
	attempted := res.Status
	res, err = e.dedup.complete(f, res, err)
	if res.Status != attempted {
		e.logger.Info("进行中收到带外确认，覆盖尝试结果",
			zap.String("digest", res.Digest),
			zap.String("attempt_status", string(attempted)),
			zap.Float64("effects_ms", res.EffectsMs))
	}
	e.stats.terminal(res.Status, res.EffectsMs)

	switch res.Status {
	case StatusConfirmed:
		e.emit(telemetry.EventConfirmed, res, res.Endpoint, nil)
		e.logger.Info("执行已确认",
			zap.String("execution_id", res.ID),
			zap.String("digest", res.Digest),
			zap.String("endpoint", res.Endpoint),
			zap.Float64("effects_ms", res.EffectsMs),
			zap.Int("attempts", res.Attempts))
	case StatusRejected:
		e.emit(telemetry.EventRejected, res, res.Endpoint, err)
		e.logger.Warn("执行被拒绝",
			zap.String("digest", res.Digest),
			zap.String("reason", res.Reason))
	default:
		e.emit(telemetry.EventFailed, res, res.Endpoint, err)
		e.logger.Error("执行失败",
			zap.String("digest", res.Digest),
			zap.Int("attempts", res.Attempts),
			zap.Error(err))
	}

	if e.journal != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if jerr := e.journal.Save(jctx, res); jerr != nil {
			e.logger.Warn("持久化执行结果失败", zap.String("digest", res.Digest), zap.Error(jerr))
		}
		cancel()
	}
	return res, err
}

// ConfirmOutOfBand 记录通过其他途径观察到的确认，优先于任何进行中的重试。
func (e *Engine) ConfirmOutOfBand(digest string, effectsMs float64) bool {
	prev, changed := e.dedup.confirm(digest, Result{
		Digest:      digest,
		Status:      StatusConfirmed,
		EffectsMs:   effectsMs,
		CompletedAt: time.Now().UTC(),
	})
	if !changed {
		return false
	}
	// 已计为失败或拒绝的终态改记为确认
	e.stats.reclassify(prev, effectsMs)
	e.logger.Info("收到带外确认",
		zap.String("digest", digest),
		zap.String("previous", string(prev)),
		zap.Float64("effects_ms", effectsMs))

	if res, ok := e.dedup.lookup(digest); ok && e.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.journal.Save(ctx, res); err != nil {
			e.logger.Warn("持久化带外确认失败", zap.String("digest", digest), zap.Error(err))
		}
	}
	return true
}

// Lookup 返回摘要的终态结果。
func (e *Engine) Lookup(digest string) (Result, bool) {
	return e.dedup.lookup(digest)
}

// Stats 返回执行统计。
func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	s.InFlightLocks = e.locks.Held()
	return s
}

// transition 推进状态机，非法迁移只记录日志，不中断执行。
func (e *Engine) transition(res *Result, to State) {
	if !res.State.CanTransition(to) {
		e.logger.Error("非法状态迁移",
			zap.String("execution_id", res.ID),
			zap.String("from", string(res.State)),
			zap.String("to", string(to)))
	}
	res.State = to
}

func (e *Engine) emit(typ telemetry.EventType, res Result, endpoint string, err error) {
	ev := telemetry.Event{
		Type:        typ,
		State:       string(res.State),
		Timestamp:   time.Now().UTC(),
		ExecutionID: res.ID,
		Digest:      res.Digest,
		Endpoint:    endpoint,
		RouteKind:   string(res.Kind),
		Pool:        res.Pool,
		Attempt:     res.Attempts,
	}
	if typ == telemetry.EventConfirmed || typ == telemetry.EventFailed {
		ev.LatencyMs = res.EffectsMs
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.sink.Emit(ev)
}
