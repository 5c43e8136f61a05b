package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exec-router/internal/route"
)

// HTTPConfig 描述 HTTP 盘口源。
type HTTPConfig struct {
	Venue      string
	BaseURL    string
	Depth      int
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Pools      map[string]PoolSpec
}

// HTTPSource 通过 REST 接口拉取 L2 盘口，接口返回
// {"pool","bids":[[price,qty]],"asks":[[price,qty]],"timestamp_ms","funding":{"base","quote"}}。
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

var _ Source = (*HTTPSource)(nil)

type bookResponse struct {
	Pool        string               `json:"pool"`
	Bids        [][2]decimal.Decimal `json:"bids"`
	Asks        [][2]decimal.Decimal `json:"asks"`
	TimestampMs int64                `json:"timestamp_ms"`
	Funding     *struct {
		Base  decimal.Decimal `json:"base"`
		Quote decimal.Decimal `json:"quote"`
	} `json:"funding,omitempty"`
}

// NewHTTPSource 构造 HTTP 盘口源。
func NewHTTPSource(cfg HTTPConfig, client *http.Client, logger *zap.Logger) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.Venue) == "" {
		return nil, fmt.Errorf("venue: 场所名称不能为空")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("venue: 无效的盘口地址 %q: %w", cfg.BaseURL, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSource{cfg: cfg, client: client, logger: logger.With(zap.String("venue", cfg.Venue))}, nil
}

// Venue 返回场所名。
func (s *HTTPSource) Venue() string {
	return s.cfg.Venue
}

// Quote 拉取交易池盘口，网络错误和 5xx 按配置重试。
func (s *HTTPSource) Quote(ctx context.Context, pool string) (route.VenueQuote, error) {
	spec, ok := s.cfg.Pools[pool]
	if !ok {
		return route.VenueQuote{}, ErrPoolNotFound
	}

	attempt := 0
	delay := s.cfg.RetryDelay
	for {
		attempt++
		book, err := s.fetch(ctx, pool)
		if err == nil {
			q := book.toQuote(s.cfg.Venue, pool)
			spec.Apply(&q)
			return q, nil
		}

		retry := retryableHTTP(err)
		if !retry || attempt > s.cfg.MaxRetries || ctx.Err() != nil {
			return route.VenueQuote{}, err
		}

		s.logger.Debug("盘口拉取失败，等待重试",
			zap.String("pool", pool),
			zap.Int("attempt", attempt),
			zap.Duration("wait", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return route.VenueQuote{}, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("venue: 盘口接口返回 %d: %s", e.code, e.body)
}

func (s *HTTPSource) fetch(ctx context.Context, pool string) (bookResponse, error) {
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/orderbook?" + url.Values{
		"pool":  {pool},
		"depth": {strconv.Itoa(s.cfg.Depth)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return bookResponse{}, fmt.Errorf("venue: 构造请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return bookResponse{}, fmt.Errorf("venue: 请求盘口失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return bookResponse{}, ErrPoolNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return bookResponse{}, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var book bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return bookResponse{}, fmt.Errorf("venue: 解析盘口失败: %w", err)
	}
	if book.Pool != "" && book.Pool != pool {
		return bookResponse{}, fmt.Errorf("venue: 盘口交易池不匹配: 期望 %s, 实际 %s", pool, book.Pool)
	}
	return book, nil
}

func (b bookResponse) toQuote(venueName, pool string) route.VenueQuote {
	q := route.VenueQuote{
		Venue: venueName,
		Pool:  pool,
		Bids:  normalizeLevels(convertLevels(b.Bids), true),
		Asks:  normalizeLevels(convertLevels(b.Asks), false),
	}
	if b.TimestampMs > 0 {
		q.Timestamp = time.UnixMilli(b.TimestampMs).UTC()
	} else {
		q.Timestamp = time.Now().UTC()
	}
	if b.Funding != nil {
		q.Funding = &route.Funding{
			Base:  b.Funding.Base.InexactFloat64(),
			Quote: b.Funding.Quote.InexactFloat64(),
		}
	}
	return q
}

func convertLevels(raw [][2]decimal.Decimal) []route.PriceLevel {
	levels := make([]route.PriceLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, route.PriceLevel{
			Price:    l[0].InexactFloat64(),
			Quantity: l[1].InexactFloat64(),
		})
	}
	return levels
}

func retryableHTTP(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
