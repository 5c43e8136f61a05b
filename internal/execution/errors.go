package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrSubmissionTimeout 表示单次提交超时，可轮换节点重试。
	ErrSubmissionTimeout = errors.New("submission timeout")
	// ErrSubmissionRejected 表示节点明确拒绝，属于终态。
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrDuplicateDigest 表示摘要已有终态结果，直接返回缓存结果。
	ErrDuplicateDigest = errors.New("duplicate digest")
	// ErrResourceContention 表示未能在限定时间内获得资源锁。
	ErrResourceContention = errors.New("resource contention")
)

// RejectedError 携带节点给出的拒绝原因。
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrSubmissionRejected
}

// Error 为执行阶段的终态错误，附带最后一次摘要与尝试次数。
type Error struct {
	Digest   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("execution: digest=%s attempts=%d: %v", e.Digest, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify 判断提交错误是否可重试，超时统一包装为 ErrSubmissionTimeout。
func classify(parent context.Context, err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, ErrSubmissionRejected) {
		return err, false
	}
	// 调用方取消时不再重试
	if parent.Err() != nil {
		return err, false
	}
	if errors.Is(err, ErrSubmissionTimeout) {
		return err, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrSubmissionTimeout, err), true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrSubmissionTimeout, err), true
	}
	// 其余传输层错误视为暂时性故障
	return err, true
}
