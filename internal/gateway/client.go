package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const (
	pathCharges          = "/charges"
	pathCharge           = "/charges/{id}"
	queryCreatedFrom     = "created_from"
	queryCreatedTo       = "created_to"
	operationCreate      = "create_charge"
	operationGet         = "get_charge"
	operationList        = "list_charges"
	defaultTimeout       = 10 * time.Second
	defaultRetryCount    = 2
	defaultRetryWait     = 200 * time.Millisecond
	maxLoggedBodyLength  = 512
	headerIdempotencyKey = "Idempotency-Key"
)

// ErrInvalidConfig is returned by New when the client cannot be built.
var ErrInvalidConfig = errors.New("invalid gateway config")

// Config describes how to reach the PIX provider.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// CallObserver is told about every gateway round trip.
type CallObserver interface {
	ObserveGatewayCall(operation string, duration time.Duration, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithCallObserver sets the call observer.
func WithCallObserver(observer CallObserver) Option {
	return func(client *Client) {
		client.observer = observer
	}
}

// Client talks to the PIX provider over HTTP. Reads are retried; charge creation never is,
// since a retried create could open a second charge.
type Client struct {
	reads    *resty.Client
	writes   *resty.Client
	logger   *zap.Logger
	observer CallObserver
}

type chargeMetadata struct {
	AccountID   string `json:"account_id"`
	PackageCode string `json:"package_code"`
}

type createChargeRequest struct {
	Amount     int64          `json:"amount"`
	WebhookURL string         `json:"webhook_url"`
	Reference  string         `json:"reference"`
	ExpiresIn  int64          `json:"expires_in"`
	Metadata   chargeMetadata `json:"metadata"`
}

type chargeResponse struct {
	ID        string         `json:"id"`
	QRCode    string         `json:"qr_code"`
	Status    string         `json:"status"`
	Amount    int64          `json:"amount"`
	Reference string         `json:"reference"`
	Metadata  chargeMetadata `json:"metadata"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
}

type listChargesResponse struct {
	Charges []json.RawMessage `json:"charges"`
}

// New builds a Client.
func New(config Config, options ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryCount := config.RetryCount
	if retryCount < 0 {
		retryCount = defaultRetryCount
	}
	newResty := func() *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetAuthToken(config.APIKey).
			SetHeader("Accept", "application/json")
	}
	client := &Client{
		reads: newResty().
			SetRetryCount(retryCount).
			SetRetryWaitTime(defaultRetryWait).
			AddRetryCondition(func(response *resty.Response, err error) bool {
				return err != nil || response.StatusCode() >= http.StatusInternalServerError || response.StatusCode() == http.StatusTooManyRequests
			}),
		writes: newResty(),
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// CreateCharge opens a PIX charge. The intent id travels as the charge reference and as the
// idempotency key header.
func (client *Client) CreateCharge(ctx context.Context, request payment.ChargeRequest) (payment.Charge, error) {
	body := createChargeRequest{
		Amount:     request.AmountCents,
		WebhookURL: request.WebhookURL,
		Reference:  request.Reference,
		ExpiresIn:  int64(request.ExpiresIn / time.Second),
		Metadata:   chargeMetadata{AccountID: request.AccountID, PackageCode: request.PackageCode},
	}
	started := time.Now()
	response, err := client.writes.R().
		SetContext(ctx).
		SetHeader(headerIdempotencyKey, request.Reference).
		SetBody(body).
		Post(pathCharges)
	charge, err := client.decodeCharge(operationCreate, response, err)
	client.observe(operationCreate, started, err)
	return charge, err
}

// GetCharge consults the current state of a charge.
func (client *Client) GetCharge(ctx context.Context, externalID string) (payment.Charge, error) {
	started := time.Now()
	response, err := client.reads.R().
		SetContext(ctx).
		SetPathParam("id", externalID).
		Get(pathCharge)
	charge, err := client.decodeCharge(operationGet, response, err)
	client.observe(operationGet, started, err)
	return charge, err
}

// ListCharges returns the charges created in [createdFrom, createdTo].
func (client *Client) ListCharges(ctx context.Context, createdFrom time.Time, createdTo time.Time) ([]payment.Charge, error) {
	started := time.Now()
	response, err := client.reads.R().
		SetContext(ctx).
		SetQueryParam(queryCreatedFrom, createdFrom.UTC().Format(time.RFC3339)).
		SetQueryParam(queryCreatedTo, createdTo.UTC().Format(time.RFC3339)).
		Get(pathCharges)
	charges, err := client.decodeChargeList(response, err)
	client.observe(operationList, started, err)
	return charges, err
}

func (client *Client) decodeCharge(operation string, response *resty.Response, requestErr error) (payment.Charge, error) {
	body, err := client.checkResponse(operation, response, requestErr)
	if err != nil {
		return payment.Charge{}, err
	}
	charge, err := parseCharge(body)
	if err != nil {
		client.logger.Error("gateway response not understood", zap.String("operation", operation), zap.String("body", truncate(body)), zap.Error(err))
		return payment.Charge{}, fmt.Errorf("%w: %s: %v", payment.ErrGatewayUnavailable, operation, err)
	}
	return charge, nil
}

func (client *Client) decodeChargeList(response *resty.Response, requestErr error) ([]payment.Charge, error) {
	body, err := client.checkResponse(operationList, response, requestErr)
	if err != nil {
		return nil, err
	}
	var list listChargesResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", payment.ErrGatewayUnavailable, operationList, err)
	}
	charges := make([]payment.Charge, 0, len(list.Charges))
	for _, raw := range list.Charges {
		charge, err := parseCharge(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", payment.ErrGatewayUnavailable, operationList, err)
		}
		charges = append(charges, charge)
	}
	return charges, nil
}

// checkResponse converts transport failures and non-2xx answers into ErrGatewayUnavailable.
func (client *Client) checkResponse(operation string, response *resty.Response, requestErr error) ([]byte, error) {
	if requestErr != nil {
		client.logger.Warn("gateway request failed", zap.String("operation", operation), zap.Error(requestErr))
		return nil, fmt.Errorf("%w: %s: %v", payment.ErrGatewayUnavailable, operation, requestErr)
	}
	if response.IsError() || response.StatusCode() < http.StatusOK || response.StatusCode() >= http.StatusMultipleChoices {
		client.logger.Warn("gateway returned an error status",
			zap.String("operation", operation),
			zap.Int("status_code", response.StatusCode()),
			zap.String("body", truncate(response.Body())),
		)
		return nil, fmt.Errorf("%w: %s: status %d", payment.ErrGatewayUnavailable, operation, response.StatusCode())
	}
	return response.Body(), nil
}

func (client *Client) observe(operation string, started time.Time, err error) {
	if client.observer != nil {
		client.observer.ObserveGatewayCall(operation, time.Since(started), err)
	}
}

func parseCharge(raw []byte) (payment.Charge, error) {
	var decoded chargeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return payment.Charge{}, err
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return payment.Charge{}, errors.New("charge without id")
	}
	return payment.Charge{
		ExternalID:  decoded.ID,
		Reference:   decoded.Reference,
		QRPayload:   decoded.QRCode,
		Status:      payment.MapGatewayStatus(decoded.Status),
		AmountCents: decoded.Amount,
		AccountID:   decoded.Metadata.AccountID,
		PackageCode: decoded.Metadata.PackageCode,
		ExpiresAt:   decoded.ExpiresAt,
		CreatedAt:   decoded.CreatedAt,
		Raw:         append([]byte(nil), raw...),
	}, nil
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBodyLength {
		return string(body[:maxLoggedBodyLength])
	}
	return string(body)
}
