package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Zhima-Mochi/payflow/internal/application/automaton"
	appPayment "github.com/Zhima-Mochi/payflow/internal/application/payment"
	"github.com/Zhima-Mochi/payflow/internal/domain/account"
	domainPayment "github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/control"
	httptransport "github.com/Zhima-Mochi/payflow/internal/infrastructure/http"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/id"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/persistence/sqlite"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/provider"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/registry"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/retry"
	"github.com/Zhima-Mochi/payflow/internal/pkg/lock"
	"github.com/Zhima-Mochi/payflow/internal/pkg/logging"
)

func main() {
	serviceName := getenvDefault("SERVICE_NAME", "payflow")
	env := getenvDefault("ENV", "dev")
	baseLogger := logging.MustNewLogger(serviceName, env)
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	store, closeStore, err := buildStore(baseLogger)
	if err != nil {
		baseLogger.Fatal("store_init_failed", zap.Error(err))
	}
	defer closeStore()

	metrics := automaton.NewMetrics(prometheus.DefaultRegisterer)
	locker := lock.NewAccountLocker(serviceName, getenvInt("LOCK_MAX_TRIES", 3))
	disp := automaton.NewPluginDispatcher(
		getenvInt("PLUGIN_POOL_SIZE", 16),
		getenvDuration("PLUGIN_CALL_TIMEOUT", 10*time.Second),
	)

	plugins := registry.New()
	mock := provider.NewMock(getenvDefault("DEFAULT_PLUGIN", "mock-gateway"))
	plugins.RegisterPaymentPlugin(mock)
	plugins.RegisterControlPlugin(control.NewRetryPolicy(
		getenvDuration("RETRY_INITIAL_INTERVAL", time.Minute),
		getenvInt("RETRY_MAX_ATTEMPTS", 3),
	))

	var paymentSvc *appPayment.Service
	scheduler := retry.NewScheduler(func(ctx context.Context, key string) error {
		return paymentSvc.Resume(ctx, key)
	}, baseLogger)
	defer scheduler.Close()

	runner := automaton.NewRunner(automaton.RunnerConfig{
		Store:      store,
		Locker:     locker,
		Payments:   plugins,
		Controls:   automaton.NewControlRunner(plugins),
		Scheduler:  scheduler,
		IDs:        id.NewUUIDGenerator(),
		Dispatcher: disp,
		Metrics:    metrics,
		Tracer:     otel.Tracer("payflow.automaton"),
	})

	accounts := memory.NewAccounts()
	accounts.Put(&account.Account{
		ID:                     getenvDefault("DEMO_ACCOUNT_ID", "demo-account"),
		ExternalKey:            "demo",
		DefaultPaymentMethodID: getenvDefault("DEMO_PAYMENT_METHOD_ID", "demo-method"),
		Name:                   "Demo Account",
		Currency:               "USD",
	})

	paymentSvc = appPayment.NewService(runner, accounts, store,
		mock.Name(), []string{control.PluginName})

	handler := httptransport.NewHandler(paymentSvc)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:    getenvDefault("HTTP_ADDR", ":8080"),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		baseLogger.Info("http_server_start",
			zap.String("addr", server.Addr),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Error("http_server_error",
				zap.Error(err),
			)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("http_server_shutdown_error",
			zap.Error(err),
		)
	} else {
		baseLogger.Info("http_server_stopped")
	}
}

// buildStore picks sqlite when DB_PATH is set, otherwise the in-memory store.
func buildStore(logger *zap.Logger) (domainPayment.Store, func(), error) {
	path := os.Getenv("DB_PATH")
	if path == "" {
		logger.Info("store_memory")
		return memory.NewStore(), func() {}, nil
	}

	db, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := sqlite.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("store_sqlite", zap.String("path", path))
	return sqlite.NewStore(db), func() { _ = db.Close() }, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
