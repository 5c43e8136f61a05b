package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"exec-router/internal/execution"
)

type capturedRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newRPCServer(t *testing.T, handle func(req capturedRequest) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handle(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_SubmitSuccess(t *testing.T) {
	var seen capturedRequest
	srv := newRPCServer(t, func(req capturedRequest) string {
		seen = req
		return `{"jsonrpc":"2.0","id":1,"result":{"digest":"abc","effects":{"status":{"status":"success"}}}}`
	})

	c := NewClient(Config{Endpoints: map[string]string{"A": srv.URL}}, srv.Client(), zaptest.NewLogger(t))
	out, err := c.Submit(context.Background(), execution.Payload{
		Digest:     "abc",
		Program:    []byte("program"),
		Signatures: [][]byte{[]byte("sig")},
	}, "A")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if out.Status != execution.StatusConfirmed || out.Digest != "abc" || out.EffectsMs <= 0 {
		t.Errorf("unexpected outcome: %+v", out)
	}

	if seen.Method != methodExecute || len(seen.Params) != 4 {
		t.Fatalf("unexpected request: %+v", seen)
	}
	var tx string
	_ = json.Unmarshal(seen.Params[0], &tx)
	if tx != base64.StdEncoding.EncodeToString([]byte("program")) {
		t.Errorf("unexpected tx bytes param %q", tx)
	}
	var sigs []string
	_ = json.Unmarshal(seen.Params[1], &sigs)
	if len(sigs) != 1 || sigs[0] != base64.StdEncoding.EncodeToString([]byte("sig")) {
		t.Errorf("unexpected signatures param %v", sigs)
	}
	var mode string
	_ = json.Unmarshal(seen.Params[3], &mode)
	if mode != requestType {
		t.Errorf("unexpected request type %q", mode)
	}
}

func TestClient_SubmitFailedEffects(t *testing.T) {
	srv := newRPCServer(t, func(capturedRequest) string {
		return `{"jsonrpc":"2.0","id":1,"result":{"digest":"abc","effects":{"status":{"status":"failure","error":"InsufficientGas"}}}}`
	})
	c := NewClient(Config{}, srv.Client(), nil)

	out, err := c.Submit(context.Background(), execution.Payload{Digest: "abc"}, srv.URL)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if out.Status != execution.StatusFailed || out.Reason != "InsufficientGas" {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestClient_SubmitRPCErrors(t *testing.T) {
	code := -32602
	srv := newRPCServer(t, func(capturedRequest) string {
		b, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]interface{}{"code": code, "message": "invalid signature"},
		})
		return string(b)
	})
	c := NewClient(Config{}, srv.Client(), nil)

	_, err := c.Submit(context.Background(), execution.Payload{Digest: "abc"}, srv.URL)
	if !errors.Is(err, execution.ErrSubmissionRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	code = -32000
	_, err = c.Submit(context.Background(), execution.Payload{Digest: "abc"}, srv.URL)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || errors.Is(err, execution.ErrSubmissionRejected) {
		t.Errorf("expected transient rpc error, got %v", err)
	}
}

func TestClient_HTTPErrorAndUnknownEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(Config{Endpoints: map[string]string{"A": srv.URL}}, srv.Client(), nil)

	_, err := c.Submit(context.Background(), execution.Payload{}, "A")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadGateway {
		t.Errorf("expected HTTPStatusError 502, got %v", err)
	}

	if _, err := c.Submit(context.Background(), execution.Payload{}, "unknown"); err == nil {
		t.Errorf("expected error for unknown endpoint")
	}
}

func TestClient_Status(t *testing.T) {
	srv := newRPCServer(t, func(req capturedRequest) string {
		var digest string
		_ = json.Unmarshal(req.Params[0], &digest)
		if req.Method != methodGetTx {
			return `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`
		}
		if digest == "known" {
			return `{"jsonrpc":"2.0","id":1,"result":{"digest":"known","effects":{"status":{"status":"success"}}}}`
		}
		return `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Could not find the referenced transaction"}}`
	})
	c := NewClient(Config{Endpoints: map[string]string{"A": srv.URL}}, srv.Client(), nil)

	out, found, err := c.Status(context.Background(), "known", "A")
	if err != nil || !found || out.Status != execution.StatusConfirmed {
		t.Errorf("expected confirmed, got %+v %v %v", out, found, err)
	}

	_, found, err = c.Status(context.Background(), "missing", "A")
	if err != nil || found {
		t.Errorf("expected not found without error, got %v %v", found, err)
	}
}

func TestClient_Ping(t *testing.T) {
	srv := newRPCServer(t, func(req capturedRequest) string {
		if req.Method != methodPing {
			return `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`
		}
		return `{"jsonrpc":"2.0","id":1,"result":"12345"}`
	})
	c := NewClient(Config{Endpoints: map[string]string{"A": srv.URL}}, srv.Client(), nil)

	rtt, err := c.Ping(context.Background(), "A")
	if err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("expected positive round trip, got %v", rtt)
	}
}
