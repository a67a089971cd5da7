package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const testAPIKey = "gateway-key"

type recordingObserver struct {
	mutex      sync.Mutex
	operations []string
	failures   int
}

func (observer *recordingObserver) ObserveGatewayCall(operation string, _ time.Duration, err error) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.operations = append(observer.operations, operation)
	if err != nil {
		observer.failures++
	}
}

func newTestClient(test *testing.T, handler http.Handler, retryCount int, options ...Option) *Client {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, APIKey: testAPIKey, Timeout: 2 * time.Second, RetryCount: retryCount}, options...)
	if err != nil {
		test.Fatalf("client init failed: %v", err)
	}
	return client
}

func TestNewValidatesConfig(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		config Config
	}{
		{name: "missing base url", config: Config{APIKey: testAPIKey}},
		{name: "missing api key", config: Config{BaseURL: "http://gateway.local"}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			if _, err := New(testCase.config); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestCreateChargeSendsRequestAndNormalizesStatus(test *testing.T) {
	test.Parallel()
	var received createChargeRequest
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/charges" {
			test.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer "+testAPIKey {
			test.Errorf("missing bearer token, got %q", request.Header.Get("Authorization"))
		}
		if request.Header.Get(headerIdempotencyKey) != "intent-1" {
			test.Errorf("missing idempotency key, got %q", request.Header.Get(headerIdempotencyKey))
		}
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			test.Errorf("decode body: %v", err)
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"id":"ch_1","qr_code":"000201","status":"WAITING","amount":1990,"reference":"intent-1","expires_at":"2026-01-01T00:30:00Z","metadata":{"account_id":"acc-1","package_code":"basic"}}`))
	})
	observer := &recordingObserver{}
	client := newTestClient(test, handler, 0, WithCallObserver(observer))

	charge, err := client.CreateCharge(context.Background(), payment.ChargeRequest{
		Reference:   "intent-1",
		AmountCents: 1990,
		WebhookURL:  "https://credits.local/webhooks/pix",
		ExpiresIn:   30 * time.Minute,
		AccountID:   "acc-1",
		PackageCode: "basic",
	})
	if err != nil {
		test.Fatalf("create charge: %v", err)
	}
	if received.Amount != 1990 || received.ExpiresIn != 1800 || received.Reference != "intent-1" || received.Metadata.PackageCode != "basic" {
		test.Fatalf("unexpected request body: %+v", received)
	}
	if charge.ExternalID != "ch_1" || charge.QRPayload != "000201" || charge.Status != payment.StatusPending {
		test.Fatalf("unexpected charge: %+v", charge)
	}
	if !charge.ExpiresAt.Equal(time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)) {
		test.Fatalf("unexpected expiry %s", charge.ExpiresAt)
	}
	if len(charge.Raw) == 0 {
		test.Fatalf("expected raw response to be kept")
	}
	if len(observer.operations) != 1 || observer.operations[0] != operationCreate || observer.failures != 0 {
		test.Fatalf("unexpected observations: %+v", observer)
	}
}

func TestCreateChargeIsNeverRetried(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	handler := http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writer.WriteHeader(http.StatusBadGateway)
	})
	client := newTestClient(test, handler, 3)

	_, err := client.CreateCharge(context.Background(), payment.ChargeRequest{Reference: "intent-2", AmountCents: 100})
	if !errors.Is(err, payment.ErrGatewayUnavailable) {
		test.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		test.Fatalf("expected exactly one create call, got %d", calls.Load())
	}
}

func TestGetChargeRetriesServerErrors(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/charges/ch_9" {
			test.Errorf("unexpected path %s", request.URL.Path)
		}
		if calls.Add(1) == 1 {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = writer.Write([]byte(`{"id":"ch_9","status":"CONFIRMED","amount":500}`))
	})
	client := newTestClient(test, handler, 1)

	charge, err := client.GetCharge(context.Background(), "ch_9")
	if err != nil {
		test.Fatalf("get charge: %v", err)
	}
	if charge.Status != payment.StatusPaid || charge.AmountCents != 500 {
		test.Fatalf("unexpected charge: %+v", charge)
	}
	if calls.Load() != 2 {
		test.Fatalf("expected a retry, got %d calls", calls.Load())
	}
}

func TestGatewayFailuresBecomeUnavailable(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "client error", handler: func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusNotFound)
		}},
		{name: "invalid json", handler: func(writer http.ResponseWriter, _ *http.Request) {
			_, _ = writer.Write([]byte(`not json`))
		}},
		{name: "missing id", handler: func(writer http.ResponseWriter, _ *http.Request) {
			_, _ = writer.Write([]byte(`{"status":"PAID"}`))
		}},
		{name: "slow gateway", handler: func(writer http.ResponseWriter, request *http.Request) {
			select {
			case <-request.Context().Done():
			case <-time.After(time.Second):
			}
		}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			observer := &recordingObserver{}
			client := newTestClient(test, testCase.handler, 0, WithCallObserver(observer))
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := client.GetCharge(ctx, "ch_err")
			if !errors.Is(err, payment.ErrGatewayUnavailable) {
				test.Fatalf("expected ErrGatewayUnavailable, got %v", err)
			}
			if observer.failures != 1 {
				test.Fatalf("expected one failed observation, got %d", observer.failures)
			}
		})
	}
}

func TestListChargesSendsWindow(test *testing.T) {
	test.Parallel()
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get(queryCreatedFrom) != "2026-03-01T10:00:00Z" || request.URL.Query().Get(queryCreatedTo) != "2026-03-02T10:00:00Z" {
			test.Errorf("unexpected window %s", request.URL.RawQuery)
		}
		_, _ = writer.Write([]byte(`{"charges":[{"id":"ch_a","status":"PAID","reference":"i-a"},{"id":"ch_b","status":"canceled","reference":"i-b"},{"id":"ch_c","status":"REFUNDED"}]}`))
	})
	client := newTestClient(test, handler, 0)

	charges, err := client.ListCharges(context.Background(), from, to)
	if err != nil {
		test.Fatalf("list charges: %v", err)
	}
	expected := []payment.Status{payment.StatusPaid, payment.StatusCancelled, payment.Status("refunded")}
	if len(charges) != len(expected) {
		test.Fatalf("expected %d charges, got %d", len(expected), len(charges))
	}
	for index, charge := range charges {
		if charge.Status != expected[index] {
			test.Fatalf("charge %d: expected %s, got %s", index, expected[index], charge.Status)
		}
	}
	if charges[0].Reference != "i-a" {
		test.Fatalf("expected reference to be kept, got %q", charges[0].Reference)
	}
}
