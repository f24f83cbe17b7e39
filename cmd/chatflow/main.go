// =============================================================================
// chatflow 主入口
// =============================================================================
// 多角色群聊编排服务：加载配置与角色池，启动编排器、闲聊轮转、
// websocket 观察端点与 Prometheus 指标
//
// 使用方法:
//
//	chatflow                         # 默认配置启动
//	chatflow -config config.yaml     # 指定配置文件
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/generation"
	"github.com/BaSui01/chatflow/history"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/internal/server"
	"github.com/BaSui01/chatflow/internal/telemetry"
	"github.com/BaSui01/chatflow/orchestrator"
	"github.com/BaSui01/chatflow/types"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "chatflow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("chatflow", registry, logger)

	agents := make([]types.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, a.ToAgent())
	}
	if len(agents) == 0 {
		agents = demoAgents()
		logger.Info("no agents configured, using demo pool", zap.Int("agents", len(agents)))
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetricsRecorder(collector),
	}

	var archive *history.Store
	if cfg.Archive.Enabled {
		archive, err = history.Open(cfg.Archive.Path, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, orchestrator.WithArchive(archive))
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		opts = append(opts, orchestrator.WithHistoryStore(
			history.NewRedisWindowStore(client, cfg.Redis.Key, cfg.Redis.TTL),
		))
	}

	// 真实部署时在这里接入 LLM 后端；默认用演示生成器
	gen := generation.NewBreakerGenerator(
		&generation.StaticGenerator{Delay: 2 * time.Second},
		generation.DefaultBreakerConfig(),
		logger,
	)

	orch := orchestrator.New(agents, cfg.Orchestration.ToOrchestrator(), gen, opts...)
	defer orch.Close()

	srv := server.New(cfg.Server, server.Deps{
		Orchestrator: orch,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		History:      archive,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.Orchestration.AmbientEnabled {
		ambient := orchestrator.NewAmbientRunner(
			orch,
			cfg.Orchestration.ResponseInterval,
			cfg.Orchestration.AmbientSchedule,
			logger,
		)
		if err := ambient.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			ambient.Stop()
			return nil
		})
	}

	logger.Info("chatflow started", zap.String("addr", cfg.Server.Addr))
	return g.Wait()
}

// demoAgents 未配置角色池时的演示角色
func demoAgents() []types.Agent {
	return []types.Agent{
		{
			ID: "amber", Name: "Amber", Role: types.RoleHost,
			Traits: &types.Traits{Extroversion: 0.9, Curiosity: 0.7, Talkativeness: 0.8, Reactivity: 0.8},
		},
		{
			ID: "kai", Name: "Kai", Role: types.RoleEntertainer,
			Traits: &types.Traits{Extroversion: 0.8, Curiosity: 0.5, Talkativeness: 0.9, Reactivity: 0.6},
		},
		{
			ID: "mori", Name: "Mori", Role: types.RoleObserver,
			Traits: &types.Traits{Extroversion: 0.2, Curiosity: 0.9, Talkativeness: 0.3, Reactivity: 0.4},
		},
	}
}
