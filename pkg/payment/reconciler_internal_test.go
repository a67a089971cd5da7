package payment

import (
	"errors"
	"testing"
	"time"
)

func TestMapGatewayStatus(test *testing.T) {
	test.Parallel()
	testCases := map[string]Status{
		"CONFIRMED": StatusPaid,
		"paid":      StatusPaid,
		"COMPLETED": StatusPaid,
		"CANCELED":  StatusCancelled,
		"Cancelled": StatusCancelled,
		"EXPIRED":   StatusExpired,
		" pending ": StatusPending,
		"WAITING":   StatusPending,
		"REFUNDED":  Status("refunded"),
		"":          Status(""),
	}
	for raw, expected := range testCases {
		if mapped := MapGatewayStatus(raw); mapped != expected {
			test.Fatalf("%q: expected %q, got %q", raw, expected, mapped)
		}
	}
	if Status("refunded").IsKnown() || Status("refunded").IsTerminal() {
		test.Fatalf("unrecognized statuses are neither known nor terminal")
	}
}

func TestDecideTransition(test *testing.T) {
	test.Parallel()
	paidAt := time.Unix(1_700_000_000, 0).UTC()
	pending := Intent{Status: StatusPending}
	paid := Intent{Status: StatusPaid, PaidAt: &paidAt}
	cancelled := Intent{Status: StatusCancelled}
	expired := Intent{Status: StatusExpired}

	testCases := []struct {
		name            string
		intent          Intent
		gatewayStatus   Status
		expectedOutcome Outcome
		expectedStatus  Status
	}{
		{name: "pending to paid credits", intent: pending, gatewayStatus: StatusPaid, expectedOutcome: OutcomeCredited, expectedStatus: StatusPaid},
		{name: "paid replay", intent: paid, gatewayStatus: StatusPaid, expectedOutcome: OutcomeDuplicateNoOp, expectedStatus: StatusPaid},
		{name: "pending replay", intent: pending, gatewayStatus: StatusPending, expectedOutcome: OutcomeDuplicateNoOp, expectedStatus: StatusPending},
		{name: "pending cancelled", intent: pending, gatewayStatus: StatusCancelled, expectedOutcome: OutcomeStatusRecorded, expectedStatus: StatusCancelled},
		{name: "pending expired", intent: pending, gatewayStatus: StatusExpired, expectedOutcome: OutcomeStatusRecorded, expectedStatus: StatusExpired},
		{name: "unknown gateway status keeps pending", intent: pending, gatewayStatus: Status("in_analysis"), expectedOutcome: OutcomeStatusRecorded, expectedStatus: StatusPending},
		{name: "paid after cancel conflicts", intent: cancelled, gatewayStatus: StatusPaid, expectedOutcome: OutcomeTerminalConflict, expectedStatus: StatusCancelled},
		{name: "paid after expiry conflicts", intent: expired, gatewayStatus: StatusPaid, expectedOutcome: OutcomeTerminalConflict, expectedStatus: StatusExpired},
		{name: "cancel after paid conflicts", intent: paid, gatewayStatus: StatusCancelled, expectedOutcome: OutcomeTerminalConflict, expectedStatus: StatusPaid},
		{name: "pending after paid is recorded only", intent: paid, gatewayStatus: StatusPending, expectedOutcome: OutcomeStatusRecorded, expectedStatus: StatusPaid},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			outcome, status := decideTransition(testCase.intent, testCase.gatewayStatus)
			if outcome != testCase.expectedOutcome || status != testCase.expectedStatus {
				test.Fatalf("expected %s/%s, got %s/%s", testCase.expectedOutcome, testCase.expectedStatus, outcome, status)
			}
		})
	}
}

func TestVerifySignature(test *testing.T) {
	test.Parallel()
	secret := []byte("whsec")
	body := []byte(`{"transaction_id":"ch_1","status":"PAID"}`)
	signedAt := time.Unix(1_700_000_000, 0)
	header := SignPayload(secret, body, signedAt)

	testCases := []struct {
		name    string
		secret  []byte
		header  string
		body    []byte
		now     time.Time
		wantErr bool
	}{
		{name: "valid", secret: secret, header: header, body: body, now: signedAt.Add(time.Minute)},
		{name: "rotated signature list", secret: secret, header: header + ",v1=00ff", body: body, now: signedAt},
		{name: "tampered body", secret: secret, header: header, body: []byte(`{"transaction_id":"ch_2","status":"PAID"}`), now: signedAt, wantErr: true},
		{name: "wrong secret", secret: []byte("other"), header: header, body: body, now: signedAt, wantErr: true},
		{name: "stale", secret: secret, header: header, body: body, now: signedAt.Add(DefaultSignatureTolerance + time.Second), wantErr: true},
		{name: "from the future", secret: secret, header: header, body: body, now: signedAt.Add(-DefaultSignatureTolerance - time.Second), wantErr: true},
		{name: "missing header", secret: secret, header: "", body: body, now: signedAt, wantErr: true},
		{name: "no signature", secret: secret, header: "t=1700000000", body: body, now: signedAt, wantErr: true},
		{name: "bad timestamp", secret: secret, header: "t=abc,v1=00", body: body, now: signedAt, wantErr: true},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			err := VerifySignature(testCase.secret, testCase.header, testCase.body, testCase.now, DefaultSignatureTolerance)
			if testCase.wantErr && !errors.Is(err, ErrInvalidWebhookSignature) {
				test.Fatalf("expected ErrInvalidWebhookSignature, got %v", err)
			}
			if !testCase.wantErr && err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDecodeWebhookPayload(test *testing.T) {
	test.Parallel()
	valid := `{"transaction_id":" ch_1 ","status":"CONFIRMED","amount":1990,"payer":{"name":"Ana","document":"123"},"timestamp":"2026-01-01T10:00:00Z"}`
	payload, err := DecodeWebhookPayload([]byte(valid))
	if err != nil {
		test.Fatalf("decode: %v", err)
	}
	if payload.TransactionID != "ch_1" || payload.Amount != 1990 || payload.Payer.Name != "Ana" || payload.Timestamp.Year() != 2026 {
		test.Fatalf("unexpected payload: %+v", payload)
	}

	for name, body := range map[string]string{
		"not json":          `transaction_id=ch_1`,
		"trailing data":     valid + `{}`,
		"missing id":        `{"status":"PAID"}`,
		"missing status":    `{"transaction_id":"ch_1"}`,
		"negative amount":   `{"transaction_id":"ch_1","status":"PAID","amount":-1}`,
		"wrong amount type": `{"transaction_id":"ch_1","status":"PAID","amount":"10"}`,
		"empty":             ``,
	} {
		if _, err := DecodeWebhookPayload([]byte(body)); !errors.Is(err, ErrMalformedWebhookPayload) {
			test.Fatalf("%s: expected ErrMalformedWebhookPayload, got %v", name, err)
		}
	}
}

func TestCatalog(test *testing.T) {
	test.Parallel()
	catalog, err := ParseCatalog(" Pro:500:7990 , basic:100:1990,")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	packages := catalog.Packages()
	if len(packages) != 2 || packages[0].Code != "basic" || packages[1].Code != "pro" {
		test.Fatalf("unexpected packages: %+v", packages)
	}
	basic, err := catalog.Lookup("BASIC")
	if err != nil || basic.Credits != 100 || basic.PriceCents != 1990 {
		test.Fatalf("lookup: %+v %v", basic, err)
	}
	if _, err := catalog.Lookup("gold"); !errors.Is(err, ErrUnknownPackage) {
		test.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
	for _, raw := range []string{"basic:100", "basic:x:1990", "basic:100:0", "basic:100:1,basic:200:2", ":1:1"} {
		if _, err := ParseCatalog(raw); !errors.Is(err, ErrInvalidPackage) {
			test.Fatalf("%q: expected ErrInvalidPackage, got %v", raw, err)
		}
	}
}

func TestIntentValidateAndOverdue(test *testing.T) {
	test.Parallel()
	now := time.Unix(1_700_000_000, 0).UTC()
	intent := Intent{ID: "i", ExternalID: "ch", AmountCents: 1, CreditsGranted: 1, Status: StatusPending, ExpiresAt: now}
	if err := intent.Validate(); !errors.Is(err, ErrInvalidIntent) {
		test.Fatalf("expected missing account to be invalid, got %v", err)
	}
	if !intent.IsOverdue(now) || intent.IsOverdue(now.Add(-time.Second)) {
		test.Fatalf("overdue boundary is expires_at inclusive")
	}
	intent.Status = StatusCancelled
	if intent.IsOverdue(now.Add(time.Hour)) {
		test.Fatalf("terminal intents are never overdue")
	}
}
