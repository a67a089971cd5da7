package creditd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/examcredit/internal/gateway"
	"github.com/MarkoPoloResearchLab/examcredit/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/examcredit/internal/httpapi"
	"github.com/MarkoPoloResearchLab/examcredit/internal/jobs"
	"github.com/MarkoPoloResearchLab/examcredit/internal/telemetry"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

// App holds the wired services of one daemon process.
type App struct {
	cfg        Config
	logger     *zap.Logger
	backend    Backend
	closeStore func() error
	registry   *prometheus.Registry
	ledger     *ledger.Service
	payments   *payment.Service
	reconciler *payment.Reconciler
	jobs       *jobs.Manager
}

// NewApp opens the database and wires every service. Close releases the database.
func NewApp(ctx context.Context, cfg Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}
	recorder := telemetry.NewRecorder(logger, metrics)

	backend, closeStore, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger, backend: backend, closeStore: closeStore, registry: registry}
	if err := app.wire(recorder); err != nil {
		_ = closeStore()
		return nil, err
	}
	return app, nil
}

func (app *App) wire(recorder *telemetry.Recorder) error {
	cfg := app.cfg
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(app.backend, clock,
		ledger.WithOperationLogger(recorder),
		ledger.WithAccountDefaults(ledger.AccountDefaults{
			InitialBalance:  ledger.Credits(cfg.InitialBalance),
			WeeklyAllowance: ledger.Credits(cfg.WeeklyAllowance),
		}),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	reconciler, err := payment.NewReconciler(app.backend, ledgerService,
		payment.WithWebhookSecret(cfg.WebhookSecret),
		payment.WithReconcilerLogger(app.logger.Named("reconciler")),
		payment.WithMetrics(recorder),
	)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	catalog, err := payment.ParseCatalog(cfg.Packages)
	if err != nil {
		return err
	}
	gatewayClient, err := gateway.New(gateway.Config{
		BaseURL:    cfg.GatewayBaseURL,
		APIKey:     cfg.GatewayAPIKey,
		Timeout:    cfg.GatewayTimeout,
		RetryCount: cfg.GatewayRetries,
	}, gateway.WithLogger(app.logger.Named("gateway")), gateway.WithCallObserver(recorder))
	if err != nil {
		return fmt.Errorf("gateway client init: %w", err)
	}

	payments, err := payment.NewService(app.backend, gatewayClient, reconciler, catalog,
		payment.ServiceConfig{
			WebhookURL:     cfg.WebhookURL,
			ChargeTTL:      cfg.ChargeTTL,
			GatewayTimeout: cfg.GatewayTimeout,
		},
		payment.WithServiceLogger(app.logger.Named("payments")),
	)
	if err != nil {
		return fmt.Errorf("payment service init: %w", err)
	}

	manager, err := jobs.New(ledgerService, payments, jobs.Config{
		RenewalInterval: cfg.RenewalInterval,
		ExpiryInterval:  cfg.ExpiryInterval,
		OrphanInterval:  cfg.OrphanInterval,
		OrphanWindow:    cfg.OrphanWindow,
	}, jobs.WithLogger(app.logger.Named("jobs")), jobs.WithObserver(recorder))
	if err != nil {
		return fmt.Errorf("jobs init: %w", err)
	}

	app.ledger = ledgerService
	app.reconciler = reconciler
	app.payments = payments
	app.jobs = manager
	return nil
}

// Close releases the database.
func (app *App) Close() error {
	if app.closeStore == nil {
		return nil
	}
	return app.closeStore()
}

// Serve runs the HTTP API, the gRPC health service and the sweep jobs until ctx is done
// or one of them fails.
func (app *App) Serve(ctx context.Context) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(app.cfg.SessionSigningKey),
		Issuer:     app.cfg.SessionIssuer,
		CookieName: app.cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: app.cfg.AllowedOrigins,
		ActionPrices:   app.cfg.ActionPrices,
		AdminRole:      app.cfg.AdminRole,
	}, httpapi.Dependencies{
		Ledger:         app.ledger,
		Payments:       app.payments,
		Reconciler:     app.reconciler,
		Validator:      sessionValidator,
		MetricsHandler: promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}),
		Logger:         app.logger.Named("http"),
		Now:            time.Now,
	})
	if err != nil {
		return err
	}

	grpcListener, err := net.Listen("tcp", app.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	healthServer := grpcserver.New(app.backend, grpcserver.WithLogger(app.logger.Named("grpc")))
	httpServer := &http.Server{
		Addr:              app.cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return healthServer.Serve(groupContext, grpcListener)
	})
	group.Go(func() error {
		app.logger.Info("http server starting", zap.String("listen_addr", app.cfg.HTTPListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		app.logger.Info("shutdown requested")
		shutdownContext, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownContext); err != nil {
			app.logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	})

	app.jobs.Start(groupContext)
	defer app.jobs.Stop()
	return group.Wait()
}

// Sweep runs every sweep job once.
func (app *App) Sweep(ctx context.Context) (jobs.Report, error) {
	return app.jobs.RunOnce(ctx)
}

// Audit replays the history of a user's account.
func (app *App) Audit(ctx context.Context, rawUserID string) (ledger.AuditReport, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.AuditReport{}, err
	}
	account, err := app.ledger.AccountByUser(ctx, userID)
	if err != nil {
		return ledger.AuditReport{}, err
	}
	return app.ledger.Audit(ctx, account.AccountID())
}
