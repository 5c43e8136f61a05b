package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了路由服务运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Selector   SelectorConfig   `mapstructure:"selector"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Control    ControlConfig    `mapstructure:"control"`
	Quotes     QuotesConfig     `mapstructure:"quotes"`
	Venues     []VenueConfig    `mapstructure:"venues"`
	Validators []EndpointConfig `mapstructure:"validators"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Signer     SignerConfig     `mapstructure:"signer"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// SelectorConfig 为选路成本模型参数。
type SelectorConfig struct {
	BaseLatencyMs         float64 `mapstructure:"base_latency_ms"`
	SharedObjectLatencyMs float64 `mapstructure:"shared_object_latency_ms"`
	LatencyCostPerMs      float64 `mapstructure:"latency_cost_per_ms"`
	NoLiquidityImpact     float64 `mapstructure:"no_liquidity_impact"`
	TieEpsilon            float64 `mapstructure:"tie_epsilon"`
	MaxSplitVenues        int     `mapstructure:"max_split_venues"`
	// AdaptiveLatency 打开后按执行观测值更新延迟估计
	AdaptiveLatency   bool    `mapstructure:"adaptive_latency"`
	LatencyAlpha      float64 `mapstructure:"latency_alpha"`
	LatencyMinSamples int     `mapstructure:"latency_min_samples"`
}

// ValidatorConfig 为节点健康度参数。
type ValidatorConfig struct {
	Alpha            float64       `mapstructure:"alpha"`
	MinObservations  int           `mapstructure:"min_observations"`
	Staleness        time.Duration `mapstructure:"staleness"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	// PingInterval 为主动探测节点延迟的间隔，0 表示只依赖真实提交
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

// ExecutionConfig 控制提交与重试。
type ExecutionConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	LockWait       time.Duration `mapstructure:"lock_wait"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	// RequestTimeout 为单个下单请求的整体上限
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ControlConfig 为准入控制与熔断参数。
type ControlConfig struct {
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
	AdmissionWait time.Duration `mapstructure:"admission_wait"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig 为按路由类别的熔断参数。
type BreakerConfig struct {
	Window     int           `mapstructure:"window"`
	Threshold  float64       `mapstructure:"threshold"`
	MinSamples int           `mapstructure:"min_samples"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// QuotesConfig 控制盘口聚合。
type QuotesConfig struct {
	MaxAge       time.Duration `mapstructure:"max_age"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// VenueConfig 描述一个交易场所及其盘口来源。
type VenueConfig struct {
	Name          string       `mapstructure:"name"`
	SharedState   bool         `mapstructure:"shared_state"`
	Resources     []string     `mapstructure:"resources"`
	GasCost       float64      `mapstructure:"gas_cost"`
	FailureRisk   float64      `mapstructure:"failure_risk"`
	CancelReplace bool         `mapstructure:"cancel_replace"`
	FlashLoans    bool         `mapstructure:"flash_loans"`
	FlashLoanFee  float64      `mapstructure:"flash_loan_fee"`
	Source        SourceConfig `mapstructure:"source"`
	Pools         []PoolConfig `mapstructure:"pools"`
}

// SourceConfig 为盘口来源，type 取 static 或 http。
type SourceConfig struct {
	Type       string        `mapstructure:"type"`
	BaseURL    string        `mapstructure:"base_url"`
	Depth      int           `mapstructure:"depth"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// PoolConfig 为交易池约束；Bids/Asks/Funding 仅用于 static 来源。
type PoolConfig struct {
	ID       string         `mapstructure:"id"`
	TickSize float64        `mapstructure:"tick_size"`
	LotSize  float64        `mapstructure:"lot_size"`
	MinSize  float64        `mapstructure:"min_size"`
	MakerFee float64        `mapstructure:"maker_fee"`
	TakerFee float64        `mapstructure:"taker_fee"`
	Bids     [][]float64    `mapstructure:"bids"`
	Asks     [][]float64    `mapstructure:"asks"`
	Funding  *FundingConfig `mapstructure:"funding"`
}

// FundingConfig 为静态账户余额。
type FundingConfig struct {
	Base  float64 `mapstructure:"base"`
	Quote float64 `mapstructure:"quote"`
}

// EndpointConfig 为验证节点地址。
type EndpointConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// TransportConfig 为提交通道参数。
type TransportConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SignerConfig 为签名私钥，支持 hex / base64。
type SignerConfig struct {
	Seed string `mapstructure:"seed"`
}

// GuardConfig 为中心化交易所参考价保护。
type GuardConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	UseSandbox   bool            `mapstructure:"use_sandbox"`
	MaxDeviation float64         `mapstructure:"max_deviation"`
	CacheTTL     time.Duration   `mapstructure:"cache_ttl"`
	FailOpen     bool            `mapstructure:"fail_open"`
	Depth        int             `mapstructure:"depth"`
	Symbols      []SymbolMapping `mapstructure:"symbols"`
	Retry        RetryConfig     `mapstructure:"retry"`
}

// SymbolMapping 将交易池映射到交易所交易对。
type SymbolMapping struct {
	Pool   string `mapstructure:"pool"`
	Symbol string `mapstructure:"symbol"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
	// Retention 之外的执行结果不回灌去重缓存
	Retention time.Duration `mapstructure:"retention"`
}

// TelemetryConfig 控制执行事件输出。
type TelemetryConfig struct {
	Buffer        int  `mapstructure:"buffer"`
	PersistEvents bool `mapstructure:"persist_events"`
	Prometheus    bool `mapstructure:"prometheus"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ServerConfig 为 HTTP 接口参数。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Selector.BaseLatencyMs < 0 || c.Selector.SharedObjectLatencyMs < 0 {
		err = multierr.Append(err, errors.New("selector 延迟参数不能为负"))
	}
	if c.Selector.SharedObjectLatencyMs <= c.Selector.BaseLatencyMs {
		err = multierr.Append(err, errors.New("selector.shared_object_latency_ms 必须大于 base_latency_ms"))
	}
	if c.Selector.LatencyCostPerMs < 0 {
		err = multierr.Append(err, errors.New("selector.latency_cost_per_ms 不能为负"))
	}
	if c.Selector.LatencyAlpha <= 0 || c.Selector.LatencyAlpha > 1 {
		err = multierr.Append(err, errors.New("selector.latency_alpha 必须位于(0,1]"))
	}
	if c.Validator.Alpha <= 0 || c.Validator.Alpha > 1 {
		err = multierr.Append(err, errors.New("validator.alpha 必须位于(0,1]"))
	}
	if c.Validator.MinObservations <= 0 {
		err = multierr.Append(err, errors.New("validator.min_observations 必须大于0"))
	}
	if c.Validator.Staleness <= 0 {
		err = multierr.Append(err, errors.New("validator.staleness 必须大于0"))
	}
	if c.Validator.FailureThreshold < 0 {
		err = multierr.Append(err, errors.New("validator.failure_threshold 不能为负"))
	}
	if c.Execution.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("execution.max_retries 不能为负"))
	}
	if c.Execution.AttemptTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.attempt_timeout 必须大于0"))
	}
	if c.Control.MaxInFlight <= 0 {
		err = multierr.Append(err, errors.New("control.max_in_flight 必须大于0"))
	}
	if c.Control.Breaker.Threshold <= 0 || c.Control.Breaker.Threshold > 1 {
		err = multierr.Append(err, errors.New("control.breaker.threshold 必须位于(0,1]"))
	}
	if c.Control.Breaker.Window <= 0 || c.Control.Breaker.MinSamples > c.Control.Breaker.Window {
		err = multierr.Append(err, errors.New("control.breaker.min_samples 不能大于 window"))
	}

	if len(c.Venues) == 0 {
		err = multierr.Append(err, errors.New("venues 至少包含一个场所"))
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for i, v := range c.Venues {
		if strings.TrimSpace(v.Name) == "" {
			err = multierr.Append(err, fmt.Errorf("venues[%d].name 不能为空", i))
			continue
		}
		if _, dup := seen[v.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("venues[%d] 场所 %s 重复", i, v.Name))
		}
		seen[v.Name] = struct{}{}
		switch strings.ToLower(v.Source.Type) {
		case "static", "":
		case "http":
			if v.Source.BaseURL == "" {
				err = multierr.Append(err, fmt.Errorf("venues[%d].source.base_url 不能为空", i))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("venues[%d].source.type 未知: %s", i, v.Source.Type))
		}
		for j, p := range v.Pools {
			if p.ID == "" {
				err = multierr.Append(err, fmt.Errorf("venues[%d].pools[%d].id 不能为空", i, j))
			}
			if p.TickSize <= 0 || p.LotSize <= 0 || p.MinSize < 0 {
				err = multierr.Append(err, fmt.Errorf("venues[%d].pools[%d] 量化约束无效", i, j))
			}
			for _, lvl := range append(append([][]float64(nil), p.Bids...), p.Asks...) {
				if len(lvl) != 2 {
					err = multierr.Append(err, fmt.Errorf("venues[%d].pools[%d] 档位必须为 [price, qty]", i, j))
					break
				}
			}
		}
	}

	if len(c.Validators) == 0 {
		err = multierr.Append(err, errors.New("validators 至少包含一个节点"))
	}
	for i, ep := range c.Validators {
		if ep.Name == "" || ep.URL == "" {
			err = multierr.Append(err, fmt.Errorf("validators[%d] 需要 name 与 url", i))
		}
	}

	if strings.TrimSpace(c.Signer.Seed) == "" {
		err = multierr.Append(err, errors.New("signer.seed 不能为空"))
	}

	if c.Guard.Enabled {
		if c.Guard.MaxDeviation <= 0 {
			err = multierr.Append(err, errors.New("guard.max_deviation 必须大于0"))
		}
		if len(c.Guard.Symbols) == 0 {
			err = multierr.Append(err, errors.New("guard.symbols 不能为空"))
		}
		if c.Guard.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("guard.retry.max_attempts 必须大于0"))
		}
		if c.Guard.Retry.MinDelay > c.Guard.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("guard.retry.min_delay 不能大于 max_delay"))
		}
	}

	if c.Database.Enabled {
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
		if c.Database.MaxOpenConns <= 0 {
			err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
		}
		if c.Database.MaxIdleConns < 0 {
			err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
		}
		if c.Database.ConnMaxLifetime < 0 {
			err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
		}
	}
	if c.Telemetry.PersistEvents && !c.Database.Enabled {
		err = multierr.Append(err, errors.New("telemetry.persist_events 需要启用 database"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
