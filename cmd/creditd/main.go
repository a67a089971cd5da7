package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/internal/creditd"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
)

const (
	flagDatabaseURL     = "database-url"
	flagStore           = "store"
	flagHTTPListenAddr  = "http-listen-addr"
	flagGRPCListenAddr  = "grpc-listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagJWTCookieName   = "jwt-cookie-name"
	flagAdminRole       = "admin-role"
	flagInitialBalance  = "initial-balance"
	flagWeeklyAllowance = "weekly-allowance"
	flagActionPrices    = "action-prices"
	flagPackages        = "packages"
	flagGatewayBaseURL  = "gateway-base-url"
	flagGatewayAPIKey   = "gateway-api-key"
	flagGatewayTimeout  = "gateway-timeout"
	flagGatewayRetries  = "gateway-retries"
	flagWebhookURL      = "webhook-url"
	flagWebhookSecret   = "webhook-secret"
	flagChargeTTL       = "charge-ttl"
	flagRenewalInterval = "renewal-interval"
	flagExpiryInterval  = "expiry-interval"
	flagOrphanInterval  = "orphan-interval"
	flagOrphanWindow    = "orphan-window"
	flagShutdownTimeout = "shutdown-timeout"
	envPrefix           = "CREDITD"
)

var configFlags = []string{
	flagDatabaseURL, flagStore, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagAdminRole,
	flagInitialBalance, flagWeeklyAllowance, flagActionPrices, flagPackages,
	flagGatewayBaseURL, flagGatewayAPIKey, flagGatewayTimeout, flagGatewayRetries,
	flagWebhookURL, flagWebhookSecret, flagChargeTTL,
	flagRenewalInterval, flagExpiryInterval, flagOrphanInterval, flagOrphanWindow, flagShutdownTimeout,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &creditd.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Exam credit ledger and PIX payment daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "sqlite:///tmp/examcredit.db", "database url (postgres:// or sqlite://)")
	flags.String(flagStore, creditd.StoreGorm, "store implementation: gorm or pgx (pgx requires postgres)")
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC health listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "tauth", "expected JWT issuer")
	flags.String(flagJWTCookieName, "app_session", "JWT cookie name")
	flags.String(flagAdminRole, "admin", "session role allowed to use admin routes")
	flags.Int64(flagInitialBalance, 0, "balance of a newly opened account")
	flags.Int64(flagWeeklyAllowance, 50, "credits an account is reset to every week")
	flags.String(flagActionPrices, "quiz_answer:1,ai_generation:5,exam_creation:10", "comma-separated action:credits prices")
	flags.String(flagPackages, "", "comma-separated code:credits:price_cents packages (required)")
	flags.String(flagGatewayBaseURL, "", "PIX gateway base URL (required)")
	flags.String(flagGatewayAPIKey, "", "PIX gateway API key (required)")
	flags.Duration(flagGatewayTimeout, 10*time.Second, "PIX gateway request timeout")
	flags.Int(flagGatewayRetries, 2, "retries for PIX gateway reads")
	flags.String(flagWebhookURL, "", "public URL the gateway posts notifications to (required)")
	flags.String(flagWebhookSecret, "", "shared secret for webhook signatures (required)")
	flags.Duration(flagChargeTTL, 30*time.Minute, "lifetime of a PIX charge")
	flags.Duration(flagRenewalInterval, time.Hour, "renewal sweep period (0 disables)")
	flags.Duration(flagExpiryInterval, time.Minute, "intent expiry sweep period (0 disables)")
	flags.Duration(flagOrphanInterval, 15*time.Minute, "orphan reconciliation period (0 disables)")
	flags.Duration(flagOrphanWindow, 24*time.Hour, "how far back orphan reconciliation lists charges")
	flags.Duration(flagShutdownTimeout, 10*time.Second, "graceful shutdown timeout")

	cmd.AddCommand(newServeCommand(cfg), newSweepCommand(cfg), newAuditCommand(cfg))
	return cmd
}

func newServeCommand(cfg *creditd.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, gRPC health and sweep jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, *cfg, func(app *creditd.App) error {
				return app.Serve(ctx)
			})
		},
	}
}

func newSweepCommand(cfg *creditd.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the renewal, expiry and orphan sweeps once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfg, func(app *creditd.App) error {
				report, err := app.Sweep(cmd.Context())
				if encodeErr := printJSON(cmd, report); encodeErr != nil {
					return encodeErr
				}
				return err
			})
		},
	}
}

func newAuditCommand(cfg *creditd.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <user-id>",
		Short: "Replay an account's history and compare it with the stored balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfg, func(app *creditd.App) error {
				report, err := app.Audit(cmd.Context(), args[0])
				if err != nil && !errors.Is(err, ledger.ErrInvalidBalance) {
					return err
				}
				if encodeErr := printJSON(cmd, auditOutput(report)); encodeErr != nil {
					return encodeErr
				}
				return err
			})
		},
	}
}

func withApp(ctx context.Context, cfg creditd.Config, run func(app *creditd.App) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := creditd.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("database close failed", zap.Error(closeErr))
		}
	}()
	return run(app)
}

func loadConfig(cmd *cobra.Command, cfg *creditd.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	prices, err := creditd.ParseActionPrices(v.GetString(flagActionPrices))
	if err != nil {
		return err
	}
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.Store = strings.TrimSpace(v.GetString(flagStore))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AllowedOrigins = creditd.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminRole = strings.TrimSpace(v.GetString(flagAdminRole))
	cfg.InitialBalance = v.GetInt64(flagInitialBalance)
	cfg.WeeklyAllowance = v.GetInt64(flagWeeklyAllowance)
	cfg.ActionPrices = prices
	cfg.Packages = v.GetString(flagPackages)
	cfg.GatewayBaseURL = strings.TrimSpace(v.GetString(flagGatewayBaseURL))
	cfg.GatewayAPIKey = v.GetString(flagGatewayAPIKey)
	cfg.GatewayTimeout = v.GetDuration(flagGatewayTimeout)
	cfg.GatewayRetries = v.GetInt(flagGatewayRetries)
	cfg.WebhookURL = strings.TrimSpace(v.GetString(flagWebhookURL))
	cfg.WebhookSecret = v.GetString(flagWebhookSecret)
	cfg.ChargeTTL = v.GetDuration(flagChargeTTL)
	cfg.RenewalInterval = v.GetDuration(flagRenewalInterval)
	cfg.ExpiryInterval = v.GetDuration(flagExpiryInterval)
	cfg.OrphanInterval = v.GetDuration(flagOrphanInterval)
	cfg.OrphanWindow = v.GetDuration(flagOrphanWindow)
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)

	return cfg.Validate()
}

type auditJSON struct {
	AccountID       string   `json:"account_id"`
	OpeningBalance  int64    `json:"opening_balance"`
	TotalCredited   int64    `json:"total_credited"`
	TotalDebited    int64    `json:"total_debited"`
	Renewals        int      `json:"renewals"`
	Entries         int      `json:"entries"`
	ReplayedBalance int64    `json:"replayed_balance"`
	AccountBalance  int64    `json:"account_balance"`
	Consistent      bool     `json:"consistent"`
	Discrepancies   []string `json:"discrepancies,omitempty"`
}

func auditOutput(report ledger.AuditReport) auditJSON {
	return auditJSON{
		AccountID:       report.AccountID.String(),
		OpeningBalance:  report.OpeningBalance.Int64(),
		TotalCredited:   report.TotalCredited.Int64(),
		TotalDebited:    report.TotalDebited.Int64(),
		Renewals:        report.Renewals,
		Entries:         report.Entries,
		ReplayedBalance: report.ReplayedBalance.Int64(),
		AccountBalance:  report.AccountBalance.Int64(),
		Consistent:      report.Consistent(),
		Discrepancies:   report.Discrepancies,
	}
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
