package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MartianFinance/core/internal/agent"
	"github.com/MartianFinance/core/internal/agent/execution"
	"github.com/MartianFinance/core/internal/agent/risk"
	"github.com/MartianFinance/core/internal/agent/scout"
	"github.com/MartianFinance/core/internal/agent/strategy"
	"github.com/MartianFinance/core/internal/config"
	"github.com/MartianFinance/core/internal/directory"
	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/gateway"
	"github.com/MartianFinance/core/internal/knowledge"
	"github.com/MartianFinance/core/internal/llm"
	"github.com/MartianFinance/core/internal/llm/openai"
	"github.com/MartianFinance/core/internal/llm/static"
	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/observability/alerting"
	"github.com/MartianFinance/core/internal/observability/metrics"
	"github.com/MartianFinance/core/internal/onchain"
	"github.com/MartianFinance/core/internal/relay"
	"github.com/MartianFinance/core/internal/storage/mysql"
	"github.com/MartianFinance/core/internal/workflow"
	"github.com/MartianFinance/core/pkg/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var services []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and the logical services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if len(services) > 0 {
				cfg.Services.Enabled = services
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringSliceVar(&services, "services", nil, "subset of services to run (gateway,strategy,scout,risk,execution)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("martiand")

	if err := checkServices(cfg.Services.Enabled); err != nil {
		return err
	}

	if addr := strings.TrimSpace(cfg.Profiling.PyroscopeAddress); addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   addr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("启动 pyroscope 失败: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	store, closeDirectory, err := openDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDirectory()
	resolver := directory.NewResolver(store,
		directory.WithRetries(cfg.Directory.ResolveRetries),
		directory.WithRetryDelay(cfg.Directory.ResolveDelay),
	)

	transport, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.Warn("关闭消息通道失败", slog.Any("error", err))
		}
	}()

	rt := agent.NewRuntime(transport, resolver,
		agent.WithSeed(cfg.Services.Seed),
		agent.WithNodeOptions(messaging.WithDefaultTimeout(cfg.Workflow.RequestTimeout)),
	)

	backend := onchain.NewClient(onchain.Config{BaseURL: cfg.Onchain.BaseURL, Timeout: cfg.Onchain.Timeout})
	var backends []agent.Service
	if cfg.Enabled(config.ServiceStrategy) {
		generator, err := createLLMClient(cfg)
		if err != nil {
			return err
		}
		provider, err := createKnowledgeProvider(cfg)
		if err != nil {
			return err
		}
		backends = append(backends, strategy.New(cfg.ServiceName(config.ServiceStrategy), generator,
			strategy.WithKnowledge(provider),
			strategy.WithTimeout(cfg.Workflow.StrategyTimeout),
		))
	}
	if cfg.Enabled(config.ServiceScout) {
		backends = append(backends, scout.New(cfg.ServiceName(config.ServiceScout), backend))
	}
	if cfg.Enabled(config.ServiceRisk) {
		backends = append(backends, risk.New(cfg.ServiceName(config.ServiceRisk)))
	}
	if cfg.Enabled(config.ServiceExecution) {
		backends = append(backends, execution.New(cfg.ServiceName(config.ServiceExecution), backend))
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(backends) > 0 {
		g.Go(func() error { return rt.Run(gctx, backends...) })
	}

	var manager *workflow.Manager
	if cfg.Enabled(config.ServiceGateway) {
		node, err := rt.Start(gctx, gatewayService{name: cfg.ServiceName(config.ServiceGateway)})
		if err != nil {
			return err
		}
		snapshots, err := openWorkflowStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer snapshots.Close()

		sessions := relay.New()
		manager = workflow.NewManager(node, resolver, sessions,
			workflow.WithStore(snapshots),
			workflow.WithAlerts(createAlerts(cfg)),
			workflow.WithConfig(workflow.Config{
				Services: workflow.Services{
					Strategy:  cfg.ServiceName(config.ServiceStrategy),
					Scout:     cfg.ServiceName(config.ServiceScout),
					Risk:      cfg.ServiceName(config.ServiceRisk),
					Execution: cfg.ServiceName(config.ServiceExecution),
				},
				RequestTimeout:   cfg.Workflow.RequestTimeout,
				StrategyTimeout:  cfg.Workflow.StrategyTimeout,
				ExecutionTimeout: cfg.Workflow.ExecutionTimeout,
				MaxSessions:      cfg.Workflow.MaxSessions,
				MailboxSize:      cfg.Workflow.MailboxSize,
			}),
		)
		server := gateway.NewServer(cfg.Server.Address, manager, sessions,
			gateway.WithDirectory(resolver),
			gateway.WithLimits(gateway.Limits{
				ReadLimitBytes: cfg.Server.ReadLimitBytes,
				RatePerSecond:  cfg.Server.RatePerSecond,
				Burst:          cfg.Server.Burst,
			}),
		)
		g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	}

	if addr := strings.TrimSpace(cfg.Server.MetricsAddress); addr != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, addr)) })
	}

	log.Info("martiand 已启动", slog.Any("services", cfg.Services.Enabled), slog.String("transport", cfg.Transport.Driver))
	err = g.Wait()

	if manager != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := manager.Shutdown(shutdownCtx); serr != nil {
			log.Warn("工作流未能按时退出", slog.Any("error", serr))
		}
	}
	rt.Wait()
	log.Info("martiand 已退出")
	return err
}

// gatewayService 只需要一个可接收回复的地址，不处理任何请求。
type gatewayService struct{ name string }

func (g gatewayService) Name() string { return g.name }
func (gatewayService) Install(*messaging.Node) {}

func checkServices(enabled []string) error {
	if len(enabled) == 0 {
		return errors.New("没有启用任何服务")
	}
	for _, s := range enabled {
		known := false
		for _, candidate := range config.AllServices {
			if strings.EqualFold(strings.TrimSpace(s), candidate) {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("未知的逻辑服务: %s", s)
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openTransport(cfg *config.Config) (messaging.Transport, error) {
	switch cfg.Transport.Driver {
	case "", "memory":
		return messaging.NewMemoryTransport(256), nil
	case "redis":
		return messaging.NewRedisTransport(messaging.RedisTransportConfig{
			Address:   cfg.Transport.Redis.Address,
			Password:  cfg.Transport.Redis.Password,
			DB:        cfg.Transport.Redis.DB,
			Prefix:    cfg.Transport.Redis.Prefix,
			BlockWait: cfg.Transport.Redis.BlockWait,
		})
	case "rabbitmq":
		return messaging.NewRabbitMQTransport(messaging.RabbitMQConfig{
			URL:      cfg.Transport.RabbitMQ.URL,
			Prefix:   cfg.Transport.RabbitMQ.Prefix,
			Prefetch: cfg.Transport.RabbitMQ.Prefetch,
			Durable:  cfg.Transport.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的消息通道驱动: %s", cfg.Transport.Driver)
	}
}

func openWorkflowStore(ctx context.Context, cfg *config.Config) (workflow.Store, error) {
	switch cfg.Workflow.Store {
	case "", "memory":
		return workflow.NewMemoryStore(), nil
	case "mysql":
		repo, err := mysql.NewWorkflowRepository(ctx, mysql.Config{DSN: cfg.Workflow.DSN})
		if err != nil {
			return nil, err
		}
		logger.Named("martiand").Info("工作流快照表已就绪", slog.Int("schema_version", repo.SchemaVersion()))
		return repo, nil
	default:
		return nil, fmt.Errorf("未知的工作流存储: %s", cfg.Workflow.Store)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "static":
		return static.New(), nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createKnowledgeProvider(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Knowledge.Source == "" {
		return knowledge.NewStaticProvider(knowledge.Builtin(), cfg.Knowledge.MaxResults), nil
	}
	return knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
}

func createAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	return alerting.NewFanout(notifiers...).WithMinimum(xerrors.Severity(cfg.Alerting.MinSeverity))
}
