package execution

import (
	"context"
	"time"

	"exec-router/internal/route"
)

// Status 为执行的终态。
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// State 为单次执行内部状态机的阶段。
type State string

const (
	StatePlanned   State = "planned"
	StateSigned    State = "signed"
	StateSubmitted State = "submitted"
	// StateTimedOut 表示本次尝试没有得到结果（超时或暂时性故障），可换节点重提
	StateTimedOut  State = "timed_out"
	StateConfirmed State = "confirmed"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	"":             {StatePlanned},
	StatePlanned:   {StateSigned, StateFailed},
	StateSigned:    {StateSubmitted, StateConfirmed, StateFailed},
	StateSubmitted: {StateConfirmed, StateRejected, StateTimedOut, StateFailed},
	StateTimedOut:  {StateSubmitted, StateConfirmed, StateFailed},
}

// CanTransition 判断状态迁移是否合法，终态不能再迁移。
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal 判断是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

func terminalState(status Status) State {
	switch status {
	case StatusConfirmed:
		return StateConfirmed
	case StatusRejected:
		return StateRejected
	default:
		return StateFailed
	}
}

// Payload 为已签名的待提交内容，重试时原样复用。
type Payload struct {
	Digest     string
	Program    []byte
	Signatures [][]byte
}

// Outcome 为提交通道返回的执行结果。
type Outcome struct {
	Digest string
	Status Status
	// EffectsMs 由节点报告的 effects 延迟；为 0 时以本地计时代替。
	EffectsMs float64
	Reason    string
}

// Result 为执行结果摘要。
type Result struct {
	ID          string             `json:"id"`
	Digest      string             `json:"digest"`
	Status      Status             `json:"status"`
	State       State              `json:"state,omitempty"`
	EffectsMs   float64            `json:"effects_ms"`
	Endpoint    string             `json:"endpoint,omitempty"`
	Attempts    int                `json:"attempts"`
	Kind        route.Kind         `json:"kind"`
	Pool        string             `json:"pool,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Quotes      []route.VenueQuote `json:"quotes,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	CompletedAt time.Time          `json:"completed_at"`
	// Duplicate 表示本次调用直接复用了同摘要的已有结果
	Duplicate bool `json:"duplicate,omitempty"`
}

// Config 控制提交与重试。
type Config struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	// LockWait 为等待资源锁的上限，0 表示只受 ctx 约束。
	LockWait     time.Duration
	RetryBackoff time.Duration
}

const (
	defaultMaxRetries     = 3
	defaultAttemptTimeout = 10 * time.Second
)

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Signer 对程序字节签名，不暴露私钥。
type Signer interface {
	Sign(ctx context.Context, program []byte) ([]byte, error)
}

// Transport 将已签名内容提交到指定节点。
// 超时返回 ErrSubmissionTimeout 或 context.DeadlineExceeded，明确拒绝返回 *RejectedError
// 或 Outcome.Status == StatusRejected。
type Transport interface {
	Submit(ctx context.Context, payload Payload, endpoint string) (Outcome, error)
}

// StatusQuerier 可选，用于超时后查询摘要是否已在链上确认。
type StatusQuerier interface {
	Status(ctx context.Context, digest string, endpoint string) (Outcome, bool, error)
}

// Validators 为节点选择器的最小接口。
type Validators interface {
	Select(exclude ...string) (string, error)
	RecordObservation(endpoint string, effectsMs float64) error
	MarkFailed(endpoint string) error
}

// Journal 持久化终态结果，并在启动时回灌去重缓存。
type Journal interface {
	Save(ctx context.Context, result Result) error
	Terminal(ctx context.Context) ([]Result, error)
}
