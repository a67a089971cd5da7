package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const (
	claimsContextKey      = "auth_claims"
	defaultAdminRole      = "admin"
	defaultRequestTimeout = 15 * time.Second
	defaultHistoryLimit   = 10
	maxWebhookBodyBytes   = 1 << 20
	webhookPath           = "/webhooks/pix"
	metricsPath           = "/metrics"
	healthPath            = "/healthz"
	purchaseListLimit     = 20
)

// Config aggregates the HTTP settings.
type Config struct {
	AllowedOrigins []string
	// ActionPrices maps a feature action, which is also its reference type, to its credit cost.
	ActionPrices   map[string]int64
	AdminRole      string
	RequestTimeout time.Duration
	HistoryLimit   int
}

// Dependencies are the services behind the routes.
type Dependencies struct {
	Ledger         *ledger.Service
	Payments       *payment.Service
	Reconciler     *payment.Reconciler
	Validator      *sessionvalidator.Validator
	MetricsHandler http.Handler
	Logger         *zap.Logger
	Now            func() time.Time
}

type httpHandler struct {
	logger     *zap.Logger
	ledger     *ledger.Service
	payments   *payment.Service
	reconciler *payment.Reconciler
	cfg        Config
	prices     map[string]ledger.PositiveCredits
	now        func() time.Time
}

// NewRouter validates the configuration and builds the gin engine.
func NewRouter(cfg Config, dependencies Dependencies) (*gin.Engine, error) {
	if dependencies.Ledger == nil || dependencies.Payments == nil || dependencies.Reconciler == nil || dependencies.Validator == nil {
		return nil, fmt.Errorf("http api: ledger, payments, reconciler and session validator are required")
	}
	prices := make(map[string]ledger.PositiveCredits, len(cfg.ActionPrices))
	for action, price := range cfg.ActionPrices {
		referenceType, err := ledger.ParseReferenceType(action)
		if err != nil {
			return nil, fmt.Errorf("http api: action %q: %w", action, err)
		}
		amount, err := ledger.NewPositiveCredits(price)
		if err != nil {
			return nil, fmt.Errorf("http api: price of %s: %w", action, err)
		}
		prices[referenceType.String()] = amount
	}
	if strings.TrimSpace(cfg.AdminRole) == "" {
		cfg.AdminRole = defaultAdminRole
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := dependencies.Now
	if now == nil {
		now = time.Now
	}
	handler := &httpHandler{
		logger:     logger,
		ledger:     dependencies.Ledger,
		payments:   dependencies.Payments,
		reconciler: dependencies.Reconciler,
		cfg:        cfg,
		prices:     prices,
		now:        now,
	}
	return setupRouter(cfg, handler, dependencies.Validator, dependencies.MetricsHandler), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET(healthPath, func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET(metricsPath, gin.WrapH(metricsHandler))
	}
	router.POST(webhookPath, handler.handlePixWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/account", handler.handleAccount)
	api.GET("/credits/check", handler.handleCreditCheck)
	api.POST("/debits", handler.handleDebit)
	api.GET("/packages", handler.handlePackages)
	api.POST("/purchases", handler.handleCreatePurchase)
	api.GET("/purchases", handler.handleListPurchases)
	api.GET("/purchases/:id", handler.handleGetPurchase)

	admin := api.Group("/admin")
	admin.Use(handler.requireRole(cfg.AdminRole))
	admin.POST("/accounts/:user_id/credits", handler.handleAdminCredit)
	admin.GET("/accounts/:user_id/audit", handler.handleAdminAudit)

	return router
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if strings.EqualFold(granted, role) {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "role "+role+" required"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
