package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"controlplane/internal/admin"
	"controlplane/internal/billing"
	"controlplane/internal/catalog"
	"controlplane/internal/config"
	"controlplane/internal/coupon"
	"controlplane/internal/db"
	"controlplane/internal/etcdutil"
	"controlplane/internal/httpapi"
	"controlplane/internal/logger"
	"controlplane/internal/orchestrator"
	"controlplane/internal/provisioner"
	"controlplane/internal/store"
	"controlplane/internal/subscription"
	"controlplane/internal/wallet"
	"controlplane/internal/webhook"
)

func main() {
	app := &cli.App{
		Name:    "controlplane",
		Usage:   "Multi-tenant managed-application control plane",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Start the control plane server",
				Action: runServer,
			},
			{
				Name:  "migrate",
				Usage: "Run database migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "migrations-dir",
						Usage: "Path to the migration source directory",
						Value: "migrations",
					},
				},
				Action: runMigrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer conn.Close()

	if err := db.Migrate(conn, c.String("migrations-dir")); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Println("migrations applied")
	return nil
}

func runServer(_ *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var zapLogger *zap.Logger
	if cfg.IsDevelopment() {
		zapLogger = logger.NewDevelopmentLogger()
	} else {
		zapLogger = logger.NewProductionLogger()
	}
	ctx = logger.WithLogger(ctx, zapLogger)
	defer func() { _ = logger.Sync(ctx) }()
	log := logger.GetLogger(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer conn.Close()

	s := store.New(conn)

	orch, err := newOrchestratorClient(cfg)
	if err != nil {
		return fmt.Errorf("constructing orchestrator client: %w", err)
	}

	walletLedger := wallet.New(s)
	catalogSvc := catalog.New(s)
	couponResolver := coupon.New(s, walletLedger)

	prov := provisioner.New(s, conn, orch, cfg.Zone, provisionerWorkers)
	prov.StartWorkers(ctx, provisionerWorkers)
	defer prov.StopWorkers()

	subs := subscription.New(s, conn, walletLedger, catalogSvc, couponResolver, prov)
	adminSvc := admin.New(s, walletLedger, catalogSvc, subs)
	webhookHandler := webhook.New(s, walletLedger, cfg.PaymentWebhookSecret)

	var redisClient *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
		redisClient = redis.NewClient(opts)
	} else {
		log.Warn("failed to parse REDIS_URL, billing low-credit dedup disabled", zap.Error(err))
	}

	var etcdClient *etcdutil.Client
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err = etcdutil.NewClient(etcdutil.Config{Endpoints: cfg.EtcdEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer etcdClient.Close()
	}

	schedulerPeriod, err := time.ParseDuration(cfg.SchedulerPeriod)
	if err != nil {
		return fmt.Errorf("parsing SCHEDULER_PERIOD: %w", err)
	}

	var notifier billing.Notifier
	if cfg.SendgridAPIKey != "" {
		notifier = billing.NewEmailNotifier(cfg.SendgridAPIKey, cfg.NotifyFromEmail, cfg.NotifyFromName)
	} else {
		notifier = billing.NoopNotifier{}
	}

	nodeID := fmt.Sprintf("%s-%d", cfg.Host, os.Getpid())
	scheduler := billing.New(s, conn, walletLedger, catalogSvc, prov, notifier, redisClient, etcdClient, nodeID, billing.Config{
		Period:            schedulerPeriod,
		GraceDefaultDays:  cfg.GracePeriodDefault,
		GraceToExpiryDays: cfg.GraceToExpiryDays,
		LowCreditWindow:   24 * time.Hour,
	})
	go scheduler.Run(ctx)
	defer scheduler.Stop()

	router := httpapi.New(httpapi.Deps{
		Store:        s,
		Conn:         conn,
		Catalog:      catalogSvc,
		Subscription: subs,
		Wallet:       walletLedger,
		Provisioner:  prov,
		Admin:        adminSvc,
		Webhook:      webhookHandler,
	}, cfg.CORSAllowedOrigins, cfg.MetricsPath)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.ListenAddr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

const provisionerWorkers = 4

// newOrchestratorClient builds the real K8sClient unless KUBECONFIG_PATH is
// left empty in a non-production environment, in which case it falls back
// to an in-memory MockClient so the control plane can run against a
// database without a reachable cluster (local dev, integration tests).
func newOrchestratorClient(cfg *config.Config) (orchestrator.Client, error) {
	if cfg.KubeconfigPath == "" && cfg.IsDevelopment() {
		return &orchestrator.MockClient{}, nil
	}

	kubeconfig := cfg.KubeconfigPath
	var raw []byte
	if kubeconfig != "" {
		var err error
		raw, err = readKubeconfig(kubeconfig)
		if err != nil {
			return nil, err
		}
	}
	return orchestrator.NewK8sClient(&orchestrator.Config{
		Kubeconfig:    string(raw),
		SkipTLSVerify: cfg.K8sSkipTLSVerify,
	})
}

func readKubeconfig(path string) ([]byte, error) {
	return os.ReadFile(path)
}
