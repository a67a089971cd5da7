package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

type debitRequest struct {
	Action      string `json:"action"`
	ReferenceID string `json:"reference_id"`
}

type purchaseRequest struct {
	PackageCode string `json:"package_code"`
}

type adminCreditRequest struct {
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
}

type accountPayload struct {
	AccountID          string         `json:"account_id"`
	UserID             string         `json:"user_id"`
	Balance            int64          `json:"balance"`
	WeeklyAllowance    int64          `json:"weekly_allowance"`
	LastRenewalUnixUTC int64          `json:"last_renewal_unix_utc"`
	NextRenewalUnixUTC int64          `json:"next_renewal_unix_utc"`
	RenewalDue         bool           `json:"renewal_due"`
	AvailableBalance   int64          `json:"available_balance"`
	Entries            []entryPayload `json:"entries,omitempty"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Sequence       int64  `json:"sequence"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	BalanceBefore  int64  `json:"balance_before"`
	BalanceAfter   int64  `json:"balance_after"`
	Description    string `json:"description"`
	ReferenceType  string `json:"reference_type"`
	ReferenceID    string `json:"reference_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type packagePayload struct {
	Code       string `json:"code"`
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"price_cents"`
}

type intentPayload struct {
	IntentID       string     `json:"intent_id"`
	PackageCode    string     `json:"package_code"`
	AmountCents    int64      `json:"amount_cents"`
	CreditsGranted int64      `json:"credits_granted"`
	Status         string     `json:"status"`
	GatewayStatus  string     `json:"gateway_status"`
	QRPayload      string     `json:"qr_payload,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type auditPayload struct {
	AccountID       string   `json:"account_id"`
	Consistent      bool     `json:"consistent"`
	OpeningBalance  int64    `json:"opening_balance"`
	TotalCredited   int64    `json:"total_credited"`
	TotalDebited    int64    `json:"total_debited"`
	Renewals        int      `json:"renewals"`
	Entries         int      `json:"entries"`
	ReplayedBalance int64    `json:"replayed_balance"`
	AccountBalance  int64    `json:"account_balance"`
	Discrepancies   []string `json:"discrepancies"`
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	account, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.ledger.ListEntries(requestCtx, account.AccountID(), 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondError(ctx, "list entries failed", err)
		return
	}
	payload := handler.accountResponse(account)
	payload.Entries = make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, toEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"account": payload})
}

func (handler *httpHandler) handleCreditCheck(ctx *gin.Context) {
	price, action, ok := handler.actionPrice(ctx, ctx.Query("action"))
	if !ok {
		return
	}
	account, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	sufficient, err := handler.ledger.HasSufficientCredits(requestCtx, account.AccountID(), price)
	if err != nil {
		handler.respondError(ctx, "credit check failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"action":     action,
		"cost":       price.Int64(),
		"sufficient": sufficient,
	})
}

func (handler *httpHandler) handleDebit(ctx *gin.Context) {
	var request debitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	price, action, ok := handler.actionPrice(ctx, request.Action)
	if !ok {
		return
	}
	account, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	description, err := ledger.NewDescription(strings.ReplaceAll(action, "_", " "))
	if err != nil {
		handler.respondError(ctx, "debit description invalid", err)
		return
	}
	reference, err := ledger.NewReference(ledger.ReferenceType(action), request.ReferenceID)
	if err != nil {
		handler.respondError(ctx, "debit reference invalid", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entry, err := handler.ledger.Debit(requestCtx, account.AccountID(), price, description, reference)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			handler.respondWithAccount(ctx, http.StatusPaymentRequired, account.AccountID(), gin.H{
				"error": gin.H{"code": errorInsufficientCredits, "message": fmt.Sprintf("%s costs %d credits", action, price.Int64())},
			})
			return
		}
		handler.respondError(ctx, "debit failed", err)
		return
	}
	handler.respondWithAccount(ctx, http.StatusOK, account.AccountID(), gin.H{"entry": toEntryPayload(entry)})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	packages := handler.payments.Catalog().Packages()
	payload := make([]packagePayload, 0, len(packages))
	for _, creditPackage := range packages {
		payload = append(payload, packagePayload{
			Code:       creditPackage.Code,
			Credits:    creditPackage.Credits.Int64(),
			PriceCents: creditPackage.PriceCents,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (handler *httpHandler) handleCreatePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	account, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	intent, err := handler.payments.CreateCharge(requestCtx, account.AccountID(), request.PackageCode)
	if err != nil {
		handler.respondError(ctx, "purchase failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"purchase": toIntentPayload(intent)})
}

func (handler *httpHandler) handleListPurchases(ctx *gin.Context) {
	account, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	intents, err := handler.payments.ListIntents(requestCtx, account.AccountID(), purchaseListLimit)
	if err != nil {
		handler.respondError(ctx, "list purchases failed", err)
		return
	}
	payload := make([]intentPayload, 0, len(intents))
	for _, intent := range intents {
		payload = append(payload, toIntentPayload(intent))
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": payload})
}

func (handler *httpHandler) handleGetPurchase(ctx *gin.Context) {
	account, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	intent, err := handler.payments.GetIntent(requestCtx, ctx.Param("id"))
	if err == nil && intent.AccountID != account.AccountID() {
		err = payment.ErrUnknownIntent
	}
	if err != nil {
		handler.respondError(ctx, "get purchase failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"purchase": toIntentPayload(intent)})
}

func (handler *httpHandler) handleAdminCredit(ctx *gin.Context) {
	var request adminCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	referenceType := ledger.ReferenceType(strings.ToLower(strings.TrimSpace(request.ReferenceType)))
	if referenceType == "" {
		referenceType = ledger.ReferenceAdmin
	}
	if referenceType != ledger.ReferenceAdmin && referenceType != ledger.ReferenceRefund {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidReferenceType, "reference_type must be admin or refund"))
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "admin credit amount invalid", err)
		return
	}
	description, err := ledger.NewDescription(request.Description)
	if err != nil {
		handler.respondError(ctx, "admin credit description invalid", err)
		return
	}
	reference, err := ledger.NewReference(referenceType, request.ReferenceID)
	if err != nil {
		handler.respondError(ctx, "admin credit reference invalid", err)
		return
	}
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, "admin credit user invalid", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.OpenAccount(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "open account failed", err)
		return
	}
	entry, err := handler.ledger.Credit(requestCtx, account.AccountID(), amount, description, reference)
	if err != nil {
		handler.respondError(ctx, "admin credit failed", err)
		return
	}
	handler.logger.Info("admin credit applied",
		zap.String("operator", operatorID(ctx)),
		zap.String("user_id", userID.String()),
		zap.Int64("amount", amount.Int64()),
		zap.String("reference_type", reference.Type.String()),
	)
	handler.respondWithAccount(ctx, http.StatusOK, account.AccountID(), gin.H{"entry": toEntryPayload(entry)})
}

func (handler *httpHandler) handleAdminAudit(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, "audit user invalid", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.AccountByUser(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "audit account lookup failed", err)
		return
	}
	report, err := handler.ledger.Audit(requestCtx, account.AccountID())
	if err != nil && !errors.Is(err, ledger.ErrInvalidBalance) {
		handler.respondError(ctx, "audit failed", err)
		return
	}
	if err != nil {
		handler.logger.Error("ledger audit found discrepancies",
			zap.String("account_id", account.AccountID().String()),
			zap.Strings("discrepancies", report.Discrepancies),
		)
	}
	discrepancies := report.Discrepancies
	if discrepancies == nil {
		discrepancies = []string{}
	}
	ctx.JSON(http.StatusOK, gin.H{"audit": auditPayload{
		AccountID:       report.AccountID.String(),
		Consistent:      report.Consistent(),
		OpeningBalance:  report.OpeningBalance.Int64(),
		TotalCredited:   report.TotalCredited.Int64(),
		TotalDebited:    report.TotalDebited.Int64(),
		Renewals:        report.Renewals,
		Entries:         report.Entries,
		ReplayedBalance: report.ReplayedBalance.Int64(),
		AccountBalance:  report.AccountBalance.Int64(),
		Discrepancies:   discrepancies,
	}})
}

// handlePixWebhook answers 200 once a delivery is recorded, including replays, and 404 for unknown
// charges so the gateway retries later.
func (handler *httpHandler) handlePixWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorMalformedWebhook, "unreadable body"))
		return
	}
	result, err := handler.reconciler.HandleWebhook(ctx.Request.Context(), body, ctx.GetHeader(payment.SignatureHeader))
	if err != nil {
		handler.respondError(ctx, "webhook not applied", err)
		return
	}
	statusCode := http.StatusOK
	if result.Outcome == payment.OutcomeNotFound {
		statusCode = http.StatusNotFound
	}
	ctx.JSON(statusCode, gin.H{
		"outcome":   string(result.Outcome),
		"intent_id": result.IntentID,
		"status":    result.Status.String(),
	})
}

// sessionAccount opens, on first touch, the account of the session user.
func (handler *httpHandler) sessionAccount(ctx *gin.Context) (ledger.Account, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.Account{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, "session user invalid", err)
		return ledger.Account{}, false
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.OpenAccount(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "open account failed", err)
		return ledger.Account{}, false
	}
	return account, true
}

func (handler *httpHandler) actionPrice(ctx *gin.Context, rawAction string) (ledger.PositiveCredits, string, bool) {
	action := strings.ToLower(strings.TrimSpace(rawAction))
	price, ok := handler.prices[action]
	if !ok {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorUnknownAction, fmt.Sprintf("unknown action %q", rawAction)))
		return 0, "", false
	}
	return price, action, true
}

func (handler *httpHandler) respondWithAccount(ctx *gin.Context, statusCode int, accountID ledger.AccountID, payload gin.H) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.GetAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "account fetch failed", err)
		return
	}
	payload["account"] = handler.accountResponse(account)
	ctx.JSON(statusCode, payload)
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	statusCode, code := mapToHTTPError(err)
	fields := []zap.Field{
		zap.String("method", ctx.Request.Method),
		zap.String("path", ctx.FullPath()),
		zap.Int("status_code", statusCode),
		zap.Error(err),
	}
	switch {
	case statusCode == http.StatusServiceUnavailable:
		handler.logger.Warn(message, fields...)
	case statusCode >= http.StatusInternalServerError:
		handler.logger.Error(message, fields...)
	default:
		handler.logger.Debug(message, fields...)
	}
	ctx.JSON(statusCode, errorResponse(code, publicMessage(statusCode, err)))
}

func (handler *httpHandler) accountResponse(account ledger.Account) accountPayload {
	nowUnixUTC := handler.now().UTC().Unix()
	return accountPayload{
		AccountID:          account.AccountID().String(),
		UserID:             account.UserID().String(),
		Balance:            account.Balance().Int64(),
		WeeklyAllowance:    account.WeeklyAllowance().Int64(),
		LastRenewalUnixUTC: account.LastRenewalUnixUTC(),
		NextRenewalUnixUTC: account.NextRenewalUnixUTC(),
		RenewalDue:         account.RenewalDue(nowUnixUTC),
		AvailableBalance:   account.EffectiveBalance(nowUnixUTC).Int64(),
	}
}

func publicMessage(statusCode int, err error) string {
	if statusCode >= http.StatusInternalServerError && statusCode != http.StatusServiceUnavailable {
		return "internal error"
	}
	return err.Error()
}

func operatorID(ctx *gin.Context) string {
	claims := getClaims(ctx)
	if claims == nil {
		return ""
	}
	return claims.GetUserID()
}

func toEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID().String(),
		Sequence:       entry.Sequence(),
		Kind:           entry.Kind().String(),
		Amount:         entry.Amount().Int64(),
		BalanceBefore:  entry.BalanceBefore().Int64(),
		BalanceAfter:   entry.BalanceAfter().Int64(),
		Description:    entry.Description().String(),
		ReferenceType:  entry.Reference().Type.String(),
		ReferenceID:    entry.Reference().ID,
		CreatedUnixUTC: entry.CreatedUnixUTC(),
	}
}

func toIntentPayload(intent payment.Intent) intentPayload {
	return intentPayload{
		IntentID:       intent.ID,
		PackageCode:    intent.PackageCode,
		AmountCents:    intent.AmountCents,
		CreditsGranted: intent.CreditsGranted.Int64(),
		Status:         intent.Status.String(),
		GatewayStatus:  intent.GatewayStatus,
		QRPayload:      intent.QRPayload,
		ExpiresAt:      intent.ExpiresAt,
		PaidAt:         intent.PaidAt,
		CreatedAt:      intent.CreatedAt,
	}
}
