package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"exec-router/internal/execution"
)

const (
	methodExecute = "sui_executeTransactionBlock"
	methodGetTx   = "sui_getTransactionBlock"
	methodPing    = "sui_getLatestCheckpointSequenceNumber"

	requestType = "WaitForLocalExecution"
)

// JSON-RPC 服务端错误码区间，视为暂时性故障。
const (
	codeInternal       = -32603
	codeServerErrorMin = -32099
	codeServerErrorMax = -32000
)

// RPCError 为节点返回的 JSON-RPC 错误对象。
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("transport: rpc error %d: %s", e.Code, e.Message)
}

// Transient 判断是否为节点侧暂时性错误。
func (e *RPCError) Transient() bool {
	return e.Code == codeInternal || (e.Code >= codeServerErrorMin && e.Code <= codeServerErrorMax)
}

// HTTPStatusError 表示非 2xx 的 HTTP 响应。
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("transport: http %d: %s", e.Code, e.Body)
}

// Config 为 JSON-RPC 客户端配置。
type Config struct {
	// Endpoints 将节点名映射到 URL；未登记的名字若本身是 URL 则直接使用。
	Endpoints map[string]string
	Timeout   time.Duration
}

// Client 通过 JSON-RPC 提交已签名交易。
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	nextID atomic.Uint64
}

var (
	_ execution.Transport     = (*Client)(nil)
	_ execution.StatusQuerier = (*Client)(nil)
)

// NewClient 构造 JSON-RPC 提交客户端。
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type executionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type txResponse struct {
	Digest  string `json:"digest"`
	Effects *struct {
		Status executionStatus `json:"status"`
	} `json:"effects"`
	TimestampMs string `json:"timestampMs,omitempty"`
}

// Submit 调用 sui_executeTransactionBlock，签名按 base64 编码。
func (c *Client) Submit(ctx context.Context, payload execution.Payload, endpoint string) (execution.Outcome, error) {
	url, err := c.resolve(endpoint)
	if err != nil {
		return execution.Outcome{}, err
	}

	sigs := make([]string, 0, len(payload.Signatures))
	for _, sig := range payload.Signatures {
		sigs = append(sigs, base64.StdEncoding.EncodeToString(sig))
	}
	params := []interface{}{
		base64.StdEncoding.EncodeToString(payload.Program),
		sigs,
		map[string]bool{"showEffects": true, "showEvents": true},
		requestType,
	}

	start := time.Now()
	var resp txResponse
	if err := c.call(ctx, url, methodExecute, params, &resp); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && !rpcErr.Transient() {
			return execution.Outcome{}, &execution.RejectedError{Reason: rpcErr.Message}
		}
		return execution.Outcome{}, err
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	out := toOutcome(resp, payload.Digest)
	out.EffectsMs = elapsed
	c.logger.Debug("交易已提交",
		zap.String("endpoint", endpoint),
		zap.String("digest", out.Digest),
		zap.String("status", string(out.Status)),
		zap.Float64("effects_ms", elapsed),
	)
	return out, nil
}

// Status 调用 sui_getTransactionBlock 查询摘要是否已上链。
func (c *Client) Status(ctx context.Context, digest string, endpoint string) (execution.Outcome, bool, error) {
	url, err := c.resolve(endpoint)
	if err != nil {
		return execution.Outcome{}, false, err
	}

	var resp txResponse
	params := []interface{}{digest, map[string]bool{"showEffects": true}}
	if err := c.call(ctx, url, methodGetTx, params, &resp); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && !rpcErr.Transient() {
			// 节点尚不认识该摘要
			return execution.Outcome{}, false, nil
		}
		return execution.Outcome{}, false, err
	}
	if resp.Effects == nil {
		return execution.Outcome{}, false, nil
	}
	return toOutcome(resp, digest), true, nil
}

// Ping 以最轻量的查询测量节点往返延迟。
func (c *Client) Ping(ctx context.Context, endpoint string) (time.Duration, error) {
	url, err := c.resolve(endpoint)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var seq string
	if err := c.call(ctx, url, methodPing, []interface{}{}, &seq); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func toOutcome(resp txResponse, digest string) execution.Outcome {
	out := execution.Outcome{Digest: resp.Digest, Status: execution.StatusConfirmed}
	if out.Digest == "" {
		out.Digest = digest
	}
	if resp.Effects != nil && !strings.EqualFold(resp.Effects.Status.Status, "success") {
		out.Status = execution.StatusFailed
		out.Reason = resp.Effects.Status.Error
	}
	return out
}

func (c *Client) resolve(endpoint string) (string, error) {
	if url, ok := c.cfg.Endpoints[endpoint]; ok {
		return url, nil
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}
	return "", fmt.Errorf("transport: 未知节点 %q", endpoint)
}

func (c *Client) call(ctx context.Context, url, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("transport: 序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: 构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s 请求失败: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("transport: 解析响应失败: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("transport: 解析结果失败: %w", err)
	}
	return nil
}
