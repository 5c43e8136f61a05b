package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "router"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("selector.base_latency_ms", 400)
	v.SetDefault("selector.shared_object_latency_ms", 1200)
	v.SetDefault("selector.latency_cost_per_ms", 0.0001)
	v.SetDefault("selector.no_liquidity_impact", 1e6)
	v.SetDefault("selector.tie_epsilon", 1e-9)
	v.SetDefault("selector.max_split_venues", 3)
	v.SetDefault("selector.adaptive_latency", true)
	v.SetDefault("selector.latency_alpha", 0.1)
	v.SetDefault("selector.latency_min_samples", 10)

	v.SetDefault("validator.alpha", 0.2)
	v.SetDefault("validator.min_observations", 5)
	v.SetDefault("validator.staleness", "5m")
	v.SetDefault("validator.failure_threshold", 3)
	v.SetDefault("validator.failure_window", "1m")
	v.SetDefault("validator.ping_interval", "10s")
	v.SetDefault("validator.ping_timeout", "2s")

	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.attempt_timeout", "10s")
	v.SetDefault("execution.lock_wait", "5s")
	v.SetDefault("execution.retry_backoff", "100ms")
	v.SetDefault("execution.request_timeout", "60s")

	v.SetDefault("control.max_in_flight", 64)
	v.SetDefault("control.rate_per_second", 200)
	v.SetDefault("control.admission_wait", "2s")
	v.SetDefault("control.breaker.window", 100)
	v.SetDefault("control.breaker.threshold", 0.5)
	v.SetDefault("control.breaker.min_samples", 20)
	v.SetDefault("control.breaker.cooldown", "5s")

	v.SetDefault("quotes.max_age", "5s")
	v.SetDefault("quotes.fetch_timeout", "2s")

	v.SetDefault("transport.timeout", "30s")
	v.SetDefault("signer.seed", "")

	v.SetDefault("guard.enabled", false)
	v.SetDefault("guard.use_sandbox", false)
	v.SetDefault("guard.max_deviation", 0.05)
	v.SetDefault("guard.cache_ttl", "2s")
	v.SetDefault("guard.fail_open", true)
	v.SetDefault("guard.depth", 5)
	v.SetDefault("guard.retry.max_attempts", 3)
	v.SetDefault("guard.retry.min_delay", "200ms")
	v.SetDefault("guard.retry.max_delay", "2s")

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", "data/exec_router.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)
	v.SetDefault("database.retention", "24h")

	v.SetDefault("telemetry.buffer", 1024)
	v.SetDefault("telemetry.persist_events", true)
	v.SetDefault("telemetry.prometheus", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
