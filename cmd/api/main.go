package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/safar/order-settlement/internal/assets"
	"github.com/safar/order-settlement/internal/cache"
	"github.com/safar/order-settlement/internal/collection"
	"github.com/safar/order-settlement/internal/config"
	"github.com/safar/order-settlement/internal/database"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/notify"
	"github.com/safar/order-settlement/internal/payment/midtrans"
	"github.com/safar/order-settlement/internal/settlement"
	"github.com/safar/order-settlement/internal/store"
	"github.com/safar/order-settlement/internal/store/memstore"
)

type repository interface {
	settlement.Repository
	collection.Repository
	CreateUser(ctx context.Context, user *models.User) error
}

type notifier interface {
	Notify(ctx context.Context, recipients []int64, event models.Event)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	settleOpts := []settlement.Option{
		settlement.WithLogger(logger),
		settlement.WithProviderTimeout(cfg.Payments.ProviderTimeout),
	}
	collectOpts := []collection.Option{
		collection.WithLogger(logger),
		collection.WithCodeTTL(cfg.Collection.CodeTTL),
		collection.WithRedemptionURL(cfg.Collection.RedemptionURL),
	}

	if cfg.Redis.Addr != "" {
		rdb := cache.NewClient(cfg.Redis)
		defer rdb.Close()
		settleOpts = append(settleOpts, settlement.WithBalanceCache(cache.NewBalanceCache(rdb, cfg.Redis.BalanceTTL, logger)))
		logger.Info("balance cache enabled", slog.String("addr", cfg.Redis.Addr))
	}

	var events notifier = notify.NewLogNotifier(logger)
	if len(cfg.Kafka.Brokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Kafka, logger)
		kn.Start(ctx)
		defer func() {
			kn.Close()
			kn.WaitClosed()
		}()
		events = kn
		logger.Info("publishing events to kafka", slog.String("topic", cfg.Kafka.Topic))
	}
	settleOpts = append(settleOpts, settlement.WithNotifier(events))
	collectOpts = append(collectOpts, collection.WithNotifier(events))

	if cfg.Payments.MidtransServerKey != "" {
		provider := midtrans.New(cfg.Payments.MidtransServerKey, cfg.Payments.MidtransEnv)
		for _, method := range cfg.Payments.MidtransMethods {
			settleOpts = append(settleOpts, settlement.WithProvider(method, provider))
		}
	}

	assetStore, err := openAssetStore(ctx, cfg.Assets)
	if err != nil {
		return err
	}

	h := &handler{
		settlement: settlement.NewService(repo, settleOpts...),
		collection: collection.NewService(repo, assetStore, collectOpts...),
		users:      repo,
		logger:     logger,
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(h, cfg.Auth.JWTSecret, cfg.Assets.Dir, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("port", cfg.Server.Port), slog.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository, func(), error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory storage, data is lost on restart")
		return memstore.New(), func() {}, nil
	}

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	applied, err := database.Migrate(ctx, db, cfg.Database.MigrationsDir, "up")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to database", slog.Int("migrations_applied", applied))
	return store.New(db), func() { db.Close() }, nil
}

func openAssetStore(ctx context.Context, cfg config.AssetsConfig) (collection.AssetStore, error) {
	if cfg.Driver == "s3" {
		return assets.NewS3Store(ctx, cfg)
	}
	return assets.NewFileStore(cfg.Dir, cfg.BaseURL)
}

func newRouter(h *handler, jwtSecret, assetsDir string, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/assets/qr/*", http.StripPrefix("/assets/qr/", http.FileServer(http.Dir(assetsDir))))
	r.Post("/webhooks/payments/{transactionID}", h.paymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(requireUser(jwtSecret))
		h.routes(r)
	})
	return r
}
