package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const (
	errorInsufficientCredits     = "insufficient_credits"
	errorUnknownAccount          = "unknown_account"
	errorUnknownIntent           = "unknown_intent"
	errorUnknownPackage          = "unknown_package"
	errorUnknownAction           = "unknown_action"
	errorDuplicateReference      = "duplicate_reference"
	errorConcurrentUpdate        = "concurrent_update"
	errorGatewayUnavailable      = "gateway_unavailable"
	errorInvalidPayload          = "invalid_payload"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidReferenceType    = "invalid_reference_type"
	errorInvalidDescription      = "invalid_description"
	errorMalformedWebhook        = "malformed_payload"
	errorInvalidWebhookSignature = "invalid_signature"
	errorInternal                = "internal_error"
)

// mapToHTTPError turns a domain error into a status code and a stable error code.
func mapToHTTPError(source error) (int, string) {
	switch {
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorInsufficientCredits
	case errors.Is(source, ledger.ErrUnknownAccount):
		return http.StatusNotFound, errorUnknownAccount
	case errors.Is(source, payment.ErrUnknownIntent):
		return http.StatusNotFound, errorUnknownIntent
	case errors.Is(source, payment.ErrUnknownPackage):
		return http.StatusBadRequest, errorUnknownPackage
	case errors.Is(source, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, errorDuplicateReference
	case errors.Is(source, ledger.ErrConcurrentUpdate):
		return http.StatusConflict, errorConcurrentUpdate
	case errors.Is(source, payment.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, errorGatewayUnavailable
	case errors.Is(source, ledger.ErrInvalidUserID):
		return http.StatusBadRequest, errorInvalidUserID
	case errors.Is(source, ledger.ErrInvalidCredits):
		return http.StatusBadRequest, errorInvalidAmount
	case errors.Is(source, ledger.ErrInvalidReferenceType):
		return http.StatusBadRequest, errorInvalidReferenceType
	case errors.Is(source, ledger.ErrInvalidDescription):
		return http.StatusBadRequest, errorInvalidDescription
	case errors.Is(source, payment.ErrMalformedWebhookPayload):
		return http.StatusBadRequest, errorMalformedWebhook
	case errors.Is(source, payment.ErrInvalidWebhookSignature):
		return http.StatusUnauthorized, errorInvalidWebhookSignature
	default:
		return http.StatusInternalServerError, errorInternal
	}
}
