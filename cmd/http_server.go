package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kimenyu/mpesa-bridge/internal"
	"github.com/kimenyu/mpesa-bridge/internal/core/events"
	"github.com/kimenyu/mpesa-bridge/internal/correlation"
	"github.com/kimenyu/mpesa-bridge/internal/daraja"
	"github.com/kimenyu/mpesa-bridge/internal/payment"
	paymentpg "github.com/kimenyu/mpesa-bridge/internal/payment/postgres"
	"github.com/kimenyu/mpesa-bridge/internal/transport"
	"github.com/kimenyu/mpesa-bridge/internal/transport/rest"
	"github.com/kimenyu/mpesa-bridge/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server handling payment initiation and provider callbacks`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type storeBackend interface {
	correlation.Store
	rest.Pinger
	Close() error
}

func startHTTPServer() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	env := "development"
	if config.Observability.Logging.Format == "json" {
		env = "production"
	}
	logger.Init(env)
	log := logger.LoggerWrapper()

	store, err := buildStore(config, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize correlation store: %v\n", err)
		os.Exit(1)
	}

	deliveryRepo, closeDB := buildDeliveryRepo(config, log)

	eventBus := events.NewEventBus(log)

	darajaClient := daraja.NewClient(daraja.Config{
		BaseURL:        config.Daraja.BaseURL(),
		ConsumerKey:    config.Daraja.ConsumerKey,
		ConsumerSecret: config.Daraja.ConsumerSecret,
		Shortcode:      config.Daraja.Shortcode,
		Passkey:        config.Daraja.Passkey,
		CallbackURL:    config.Daraja.CallbackURL(),
		RequestTimeout: config.Daraja.RequestTimeout,
	}, log)

	notifier := payment.NewNotifier(payment.NotifierConfig{
		NotifyURL:     config.Notify.URL,
		OrdersBaseURL: config.Notify.OrdersBaseURL(),
		Secret:        config.Notify.Secret,
		Timeout:       config.Notify.Timeout,
	}, deliveryRepo, log)

	outbox := payment.NewRetryOutbox(store, notifier, eventBus, log)
	outbox.Start()

	resolver := payment.NewResolver(store, notifier, outbox, eventBus, log)
	resolver.RegisterEventHandlers(eventBus)

	service := payment.NewService(darajaClient, store, eventBus, log)

	baseHandler := transport.NewBaseHandler(log)
	paymentHandler := payment.NewHandler(baseHandler, service, log)
	webhookHandler := payment.NewWebhookHandler(baseHandler, eventBus, log)

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, store, config.Store.Backend, paymentHandler, webhookHandler, log)

	addr := fmt.Sprintf(":%d", config.Server.Port)
	slog.Info("Starting HTTP server", "address", addr, "store_backend", config.Store.Backend)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: config.Server.ReadHeaderTimeout,
		ReadTimeout:       config.Server.ReadTimeout,
		WriteTimeout:      config.Server.WriteTimeout,
		IdleTimeout:       config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		outbox.Close()
		eventBus.Wait()
		if err := store.Close(); err != nil {
			slog.Error("Store close error", "error", err)
		}
		if closeDB != nil {
			closeDB()
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Server stopped")
}

// buildStore selects the correlation store backend and starts its
// retention sweep where the backend needs one.
func buildStore(config *internal.Config, log *slog.Logger) (storeBackend, error) {
	switch config.Store.Backend {
	case "redis":
		return correlation.NewRedisStore(config.Store.RedisURL, config.Store.Retention, log)
	default:
		store := correlation.NewMemoryStore(log)
		store.StartSweeper(config.Store.SweepInterval, config.Store.Retention)
		return store, nil
	}
}

// buildDeliveryRepo opens the delivery-log database when configured. The
// service runs without the audit trail when no DSN is set.
func buildDeliveryRepo(config *internal.Config, log *slog.Logger) (payment.DeliveryRepository, func()) {
	if config.Database.Source == "" {
		log.Warn("no delivery-log database configured, delivery records disabled")
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(config.Database.GetDSN()), &gorm.Config{})
	if err != nil {
		log.Error("failed to open delivery-log database, delivery records disabled", "error", err)
		return nil, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("failed to access delivery-log connection pool, delivery records disabled", "error", err)
		return nil, nil
	}
	sqlDB.SetMaxOpenConns(config.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.Database.ConnMaxLifetime)

	return paymentpg.NewDeliveryRepository(db), func() {
		if err := sqlDB.Close(); err != nil {
			log.Error("delivery-log database close error", "error", err)
		}
	}
}
