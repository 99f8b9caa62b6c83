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
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/auth"
	"github.com/frahmantamala/storefront-payments/internal/core/events"
	"github.com/frahmantamala/storefront-payments/internal/payment"
	paymentPostgres "github.com/frahmantamala/storefront-payments/internal/payment/postgres"
	"github.com/frahmantamala/storefront-payments/internal/paymentgateway"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/internal/transport/middleware"
	"github.com/frahmantamala/storefront-payments/internal/transport/rest"
	"github.com/frahmantamala/storefront-payments/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server for payment initiation, status checks and gateway callbacks`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config         *internal.Config
	DB             *sqlx.DB
	Gorm           *gorm.DB
	Router         *chi.Mux
	EventBus       *events.EventBus
	PaymentService *payment.Service
	Reconciler     *payment.Reconciler
	Logger         *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	if err := setupRoutes(deps); err != nil {
		deps.Logger.Error("Failed to set up routes", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	reconcileDone := make(chan struct{})
	if deps.Reconciler != nil {
		go func() {
			defer close(reconcileDone)
			deps.Reconciler.Run(reconcileCtx)
		}()
	} else {
		close(reconcileDone)
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("Received signal, shutting down...", "signal", sig)
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("Server failed to start", "error", err)
			stopReconciler()
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		deps.Logger.Error("Server shutdown error", "error", err)
	}

	stopReconciler()
	<-reconcileDone
	deps.EventBus.Wait()

	if err := deps.DB.Close(); err != nil {
		deps.Logger.Error("Database close error", "error", err)
	}

	deps.Logger.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) error {
	cfg := deps.Config
	base := transport.NewBaseHandler(deps.Logger)

	doc, err := middleware.LoadOpenAPIDocument(context.Background(), cfg.Server.OpenAPIPath)
	if err != nil {
		return err
	}
	validator, err := middleware.NewRequestValidator(doc, deps.Logger)
	if err != nil {
		return err
	}

	verifier, err := payment.NewCallbackVerifier(cfg.Webhook.SharedSecret, cfg.Webhook.AllowedIPs)
	if err != nil {
		return err
	}

	jwtVerifier := auth.NewJWTVerifier(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)

	rest.RegisterAllRoutes(deps.Router, rest.Routes{
		DB:             deps.DB.DB,
		PaymentHandler: payment.NewHandler(base, deps.PaymentService),
		WebhookHandler: payment.NewWebhookHandler(base, deps.PaymentService, verifier),
		Authenticate:   middleware.Authenticate(jwtVerifier, deps.Logger),
		Validator:      validator,
		OpenAPIPath:    cfg.Server.OpenAPIPath,
		Logger:         deps.Logger,
	})
	return nil
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	lg := logger.L()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	eventBus := events.NewEventBus(lg)
	payment.NewEventHandler(payment.NewLogOrderNotifier(lg), lg).RegisterEventHandlers(eventBus)

	service := newPaymentService(config, gormDB, eventBus, lg)

	var reconciler *payment.Reconciler
	if config.Reconciler.Enabled {
		reconciler = newReconciler(config, service, lg)
	}

	return &Dependencies{
		Config:         config,
		Logger:         lg,
		DB:             db,
		Gorm:           gormDB,
		Router:         chi.NewRouter(),
		EventBus:       eventBus,
		PaymentService: service,
		Reconciler:     reconciler,
	}, nil
}

func newPaymentService(cfg *internal.Config, db *gorm.DB, bus *events.EventBus, lg *slog.Logger) *payment.Service {
	client := paymentgateway.NewClient(paymentgateway.Config{
		BaseURL:            cfg.Mpesa.GatewayBaseURL(),
		ConsumerKey:        cfg.Mpesa.ConsumerKey,
		ConsumerSecret:     cfg.Mpesa.ConsumerSecret,
		ShortCode:          cfg.Mpesa.ShortCode,
		PassKey:            cfg.Mpesa.PassKey,
		CallbackURL:        cfg.Mpesa.CallbackURL,
		TransactionType:    cfg.Mpesa.TransactionType,
		RequestTimeout:     cfg.Mpesa.RequestTimeout,
		TokenTimeout:       cfg.Mpesa.TokenTimeout,
		CacheToken:         cfg.Mpesa.CacheToken,
		TokenRefreshMargin: cfg.Mpesa.TokenRefreshMargin,
	}, lg)

	lg.Info("mpesa gateway configured",
		"base_url", cfg.Mpesa.GatewayBaseURL(),
		"environment", cfg.Mpesa.Environment,
		"cache_token", cfg.Mpesa.CacheToken)

	return payment.NewService(paymentPostgres.NewPaymentRepository(db), client, bus, cfg.Mpesa.Currency, lg)
}

func newReconciler(cfg *internal.Config, service *payment.Service, lg *slog.Logger) *payment.Reconciler {
	return payment.NewReconciler(service, payment.ReconcilerConfig{
		Interval:      cfg.Reconciler.Interval,
		StaleAfter:    cfg.Reconciler.StaleAfter,
		MaxPendingAge: cfg.Reconciler.MaxPendingAge,
		MaxWorkers:    cfg.Reconciler.MaxWorkers,
		BatchSize:     cfg.Reconciler.BatchSize,
	}, lg)
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm layers gorm over the pool opened by initDB.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
}
