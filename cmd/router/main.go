package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exec-router/internal/app"
	"exec-router/internal/config"
	"exec-router/internal/log"
	"exec-router/internal/route"
	"exec-router/internal/store"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "exec-router",
		Short:         "链上订单路由与执行服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "覆盖配置中的日志级别")

	root.AddCommand(serveCmd(), quoteCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动路由服务与 HTTP 接口",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func(logger *zap.Logger) {
				_ = logger.Sync()
			}(logger)

			var sqliteStore *store.Store
			if cfg.Database.Enabled {
				sqliteStore, err = store.NewSQLite(cfg.Database)
				if err != nil {
					logger.Error("初始化数据库失败", zap.Error(err))
					return err
				}
				defer func() {
					if closeErr := sqliteStore.Close(); closeErr != nil {
						logger.Warn("关闭数据库失败", zap.Error(closeErr))
					}
				}()
			}

			routerApp, err := app.New(cfg, logger, sqliteStore)
			if err != nil {
				logger.Error("初始化路由服务失败", zap.Error(err))
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := routerApp.Run(ctx); err != nil {
				logger.Error("系统运行异常", zap.Error(err))
				return err
			}
			logger.Info("系统已安全退出")
			return nil
		},
	}
}

func quoteCmd() *cobra.Command {
	var (
		pool     string
		side     string
		price    float64
		quantity float64
		intent   string
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "对一笔订单选路并输出候选计划，不执行",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func(logger *zap.Logger) {
				_ = logger.Sync()
			}(logger)

			s, ok := route.ParseSide(side)
			if !ok {
				return fmt.Errorf("side 必须为 bid/ask: %q", side)
			}
			req := route.OrderRequest{
				Pool:     pool,
				Price:    price,
				Quantity: quantity,
				Side:     s,
				FeeMode:  route.FeeModeInput,
				Intent:   route.Intent(intent),
			}

			routerApp, err := app.New(cfg, logger, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Execution.RequestTimeout)
			defer cancel()

			sel, err := routerApp.Router().Quote(ctx, req)
			if err != nil {
				return err
			}
			type candidate struct {
				Kind              route.Kind  `json:"kind"`
				Venues            []string    `json:"venues"`
				PriceOfExecution  float64     `json:"price_of_execution"`
				ExpectedLatencyMs float64     `json:"expected_latency_ms"`
				Score             route.Score `json:"score"`
			}
			out := make([]candidate, 0, sel.Len())
			for _, p := range sel.Candidates() {
				out = append(out, candidate{
					Kind:              p.Kind(),
					Venues:            p.Venues(),
					PriceOfExecution:  p.PriceOfExecution(),
					ExpectedLatencyMs: p.ExpectedLatencyMs,
					Score:             p.Score,
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "交易池")
	cmd.Flags().StringVar(&side, "side", "bid", "方向 bid/ask")
	cmd.Flags().Float64Var(&price, "price", 0, "限价")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "数量")
	cmd.Flags().StringVar(&intent, "intent", string(route.IntentLimit), "limit 或 arbitrage")
	_ = cmd.MarkFlagRequired("pool")
	return cmd
}
