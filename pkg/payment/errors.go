package payment

import "errors"

// Error values returned by the purchase service and the webhook reconciler.
var (
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
	ErrMalformedWebhookPayload = errors.New("malformed webhook payload")
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrUnknownIntent           = errors.New("unknown payment intent")
	ErrUnknownPackage          = errors.New("unknown credit package")
	ErrInvalidPackage          = errors.New("invalid credit package")
	ErrInvalidIntent           = errors.New("invalid payment intent")
	ErrDuplicateExternalID     = errors.New("duplicate gateway charge id")
	ErrInvalidServiceConfig    = errors.New("invalid payment service config")
)
