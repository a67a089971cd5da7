package creditd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const (
	StoreGorm = "gorm"
	StorePGX  = "pgx"

	defaultDatabaseURL     = "sqlite:///tmp/examcredit.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultAdminRole       = "admin"
	defaultWeeklyAllowance = 50
	defaultActionPrices    = "quiz_answer:1,ai_generation:5,exam_creation:10"
	defaultGatewayTimeout  = 10 * time.Second
	defaultGatewayRetries  = 2
	defaultChargeTTL       = 30 * time.Minute
	defaultOrphanWindow    = 24 * time.Hour
	defaultShutdownTimeout = 10 * time.Second
)

// Config aggregates runtime settings for the credit daemon.
type Config struct {
	DatabaseURL       string
	Store             string
	HTTPListenAddr    string
	GRPCListenAddr    string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminRole         string

	InitialBalance  int64
	WeeklyAllowance int64
	ActionPrices    map[string]int64
	Packages        string

	GatewayBaseURL string
	GatewayAPIKey  string
	GatewayTimeout time.Duration
	GatewayRetries int
	WebhookURL     string
	WebhookSecret  string
	ChargeTTL      time.Duration

	RenewalInterval time.Duration
	ExpiryInterval  time.Duration
	OrphanInterval  time.Duration
	OrphanWindow    time.Duration
	ShutdownTimeout time.Duration
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.Store = strings.ToLower(defaultIfEmpty(cfg.Store, StoreGorm))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	if cfg.WeeklyAllowance == 0 {
		cfg.WeeklyAllowance = defaultWeeklyAllowance
	}
	if len(cfg.ActionPrices) == 0 {
		prices, err := ParseActionPrices(defaultActionPrices)
		if err != nil {
			return err
		}
		cfg.ActionPrices = prices
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.GatewayRetries < 0 {
		cfg.GatewayRetries = defaultGatewayRetries
	}
	if cfg.ChargeTTL <= 0 {
		cfg.ChargeTTL = defaultChargeTTL
	}
	if cfg.OrphanInterval > 0 && cfg.OrphanWindow <= 0 {
		cfg.OrphanWindow = defaultOrphanWindow
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.Store != StoreGorm && cfg.Store != StorePGX {
		return fmt.Errorf("store must be %q or %q, got %q", StoreGorm, StorePGX, cfg.Store)
	}
	if cfg.Store == StorePGX && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store %q requires a postgres database url", StorePGX)
	}
	if cfg.InitialBalance < 0 || cfg.WeeklyAllowance < 0 {
		return fmt.Errorf("initial balance and weekly allowance must not be negative")
	}
	for action, price := range cfg.ActionPrices {
		if price <= 0 {
			return fmt.Errorf("price of %s must be positive", action)
		}
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.Packages) == "" {
		return fmt.Errorf("credit packages are required")
	}
	if _, err := payment.ParseCatalog(cfg.Packages); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.GatewayBaseURL) == "" {
		return fmt.Errorf("gateway base url is required")
	}
	if strings.TrimSpace(cfg.GatewayAPIKey) == "" {
		return fmt.Errorf("gateway api key is required")
	}
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return fmt.Errorf("webhook url is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.RenewalInterval < 0 || cfg.ExpiryInterval < 0 || cfg.OrphanInterval < 0 {
		return fmt.Errorf("sweep intervals must not be negative")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	return splitList(raw)
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseActionPrices reads "action:credits" pairs separated by commas.
func ParseActionPrices(raw string) (map[string]int64, error) {
	prices := map[string]int64{}
	for _, item := range splitList(raw) {
		action, price, found := strings.Cut(item, ":")
		action = strings.TrimSpace(action)
		if !found || action == "" {
			return nil, fmt.Errorf("action price %q must look like action:credits", item)
		}
		credits, err := strconv.ParseInt(strings.TrimSpace(price), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("action price %q: %w", item, err)
		}
		prices[action] = credits
	}
	return prices, nil
}
