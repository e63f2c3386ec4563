package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"CrossChain-Escrow/internal/api"
	"CrossChain-Escrow/internal/auth"
	"CrossChain-Escrow/internal/config"
	"CrossChain-Escrow/internal/escrow"
	"CrossChain-Escrow/internal/factory"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/ledger/evm"
	"CrossChain-Escrow/internal/observability/alerting"
	"CrossChain-Escrow/internal/observability/metrics"
	"CrossChain-Escrow/internal/reconcile"
	"CrossChain-Escrow/internal/resolver"
	"CrossChain-Escrow/internal/storage/mysql"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

// main 是 escrowd 守护进程的入口。
func main() {
	issueFor := flag.String("issue-token", "", "为指定主体签发访问令牌后退出")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *issueFor); err != nil {
		logger.L().Error("escrowd 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// cleanup 按获取顺序的逆序关闭资源。
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, issueFor string) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	log := logger.Named("escrowd")

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	if issueFor != "" {
		token, expires, err := authSvc.Issue(swap.Principal(issueFor))
		if err != nil {
			return err
		}
		fmt.Println(token)
		log.Info("access token issued", slog.String("principal", issueFor), slog.Time("expires_at", expires))
		return nil
	}

	var closers cleanup
	defer closers.run()

	alerter := newAlerter(cfg.Alerting)

	l, err := openLedger(ctx, cfg.Ledger, &closers)
	if err != nil {
		return err
	}

	var redisClient redis.UniversalClient
	if cfg.Lock.Driver == "redis" || cfg.Queue.Driver == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers.add(func() { _ = redisClient.Close() })
	}

	store, registry, err := openStores(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	queue, err := openQueue(ctx, cfg.Queue, redisClient)
	if err != nil {
		return err
	}
	closers.add(func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭对账队列失败", slog.Any("error", err))
		}
	})

	hostOpts := []escrow.HostOption{
		escrow.WithAlertDispatcher(alerter),
		escrow.WithTransitionObserver(metrics.Recorder{}),
	}
	if cfg.Lock.Driver == "redis" {
		hostOpts = append(hostOpts, escrow.WithLocker(escrow.NewRedisLocker(redisClient, cfg.Lock.Prefix, cfg.Lock.TTL())))
	}
	host := escrow.NewHost(l, store, hostOpts...)

	f, err := factory.New(factory.Config{
		Owner:   swap.Principal(cfg.Identity.FactoryOwner()),
		Account: swap.Principal(cfg.Identity.FactoryAccount),
	}, l, host, registry,
		factory.WithPendingSink(queue),
		factory.WithObserver(metrics.Recorder{}),
	)
	if err != nil {
		return err
	}

	r, err := resolver.New(resolver.Config{
		Owner:          swap.Principal(cfg.Identity.Owner),
		FactoryAddress: f.Account(),
		Account:        swap.Principal(cfg.Identity.ResolverAccount),
		SrcChainID:     cfg.Identity.SrcChainID,
		DstChainID:     cfg.Identity.DstChainID,
	}, l, f, host)
	if err != nil {
		return err
	}

	processor := reconcile.NewProcessor(f, queue, queue,
		reconcile.WithWorkerCount(cfg.Reconciler.Workers),
		reconcile.WithMaxAttempts(cfg.Reconciler.MaxAttempts),
		reconcile.WithRetryDelay(cfg.Reconciler.RetryDelay()),
		reconcile.WithProcessorLogger(logger.Named("reconcile")),
		reconcile.WithAlertDispatcher(alerter),
	)
	sweeper := reconcile.NewSweeper(f, queue, cfg.Reconciler.SweepInterval(), cfg.Reconciler.SweepBatch, cfg.Reconciler.MaxAttempts)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("对账处理器异常退出", slog.Any("error", err))
		}
	}()
	go func() {
		if err := sweeper.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("待实例化扫描异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	log.Info("escrowd started",
		slog.String("owner", cfg.Identity.Owner),
		slog.String("factory", cfg.Identity.FactoryAccount),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("lock", cfg.Lock.Driver),
		slog.String("auth", string(authSvc.Mode())),
	)

	server := api.NewServer(cfg.Server.Address, r, f,
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
		api.WithAuthenticator(authSvc),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, closers *cleanup) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemory(0), nil
	case "evm":
		defs, err := evm.LoadChainDefinitions(cfg.ChainsFile)
		if err != nil {
			return nil, err
		}
		def, err := defs.Lookup(cfg.Chain)
		if err != nil {
			return nil, err
		}
		l, err := evm.Dial(ctx, cfg.Chain, def)
		if err != nil {
			return nil, err
		}
		closers.add(l.Close)
		return l, nil
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Driver)
	}
}

func openStores(ctx context.Context, cfg *config.Config, closers *cleanup) (escrow.Store, factory.Registry, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return escrow.NewMemoryStore(), factory.NewMemoryRegistry(), nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		closers.add(closeDB(db))
		registry, err := mysql.NewRegistryStore(db, swap.Principal(cfg.Identity.FactoryAccount))
		if err != nil {
			return nil, nil, err
		}
		return mysql.NewLegStore(db), registry, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func closeDB(db *sql.DB) func() {
	return func() { _ = db.Close() }
}

func openQueue(ctx context.Context, cfg config.QueueConfig, client redis.UniversalClient) (reconcile.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return reconcile.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return reconcile.NewRedisQueue(ctx, client, reconcile.RedisQueueConfig{
			Queue:     cfg.Name,
			BlockWait: time.Duration(cfg.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return reconcile.NewRabbitMQQueue(reconcile.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.Name,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
