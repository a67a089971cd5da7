// Package gatewaytest provides an in-memory PIX gateway for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

// Gateway is an in-memory payment.Gateway. It is safe for concurrent use.
type Gateway struct {
	mutex       sync.Mutex
	now         func() time.Time
	charges     map[string]payment.Charge
	sequence    int
	unavailable bool
	creates     int
}

// New returns an empty Gateway using now as its clock.
func New(now func() time.Time) *Gateway {
	if now == nil {
		now = time.Now
	}
	return &Gateway{now: now, charges: map[string]payment.Charge{}}
}

// SetUnavailable makes every call fail with payment.ErrGatewayUnavailable.
func (gateway *Gateway) SetUnavailable(unavailable bool) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.unavailable = unavailable
}

// SetStatus changes the status the gateway reports for a charge.
func (gateway *Gateway) SetStatus(externalID string, status payment.Status) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	charge, ok := gateway.charges[externalID]
	if !ok {
		return
	}
	charge.Status = status
	charge.Raw = encodeCharge(charge)
	gateway.charges[externalID] = charge
}

// AddCharge registers a charge directly, as if it had been created by a request that was never recorded.
func (gateway *Gateway) AddCharge(charge payment.Charge) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if charge.CreatedAt.IsZero() {
		charge.CreatedAt = gateway.now().UTC()
	}
	charge.Raw = encodeCharge(charge)
	gateway.charges[charge.ExternalID] = charge
}

// Creates reports how many charges were created through CreateCharge.
func (gateway *Gateway) Creates() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return gateway.creates
}

// CreateCharge implements payment.Gateway.
func (gateway *Gateway) CreateCharge(ctx context.Context, request payment.ChargeRequest) (payment.Charge, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if err := gateway.check(ctx); err != nil {
		return payment.Charge{}, err
	}
	gateway.sequence++
	gateway.creates++
	now := gateway.now().UTC()
	charge := payment.Charge{
		ExternalID:  fmt.Sprintf("ch_%04d", gateway.sequence),
		Reference:   request.Reference,
		QRPayload:   "00020126pix" + request.Reference,
		Status:      payment.StatusPending,
		AmountCents: request.AmountCents,
		AccountID:   request.AccountID,
		PackageCode: request.PackageCode,
		ExpiresAt:   now.Add(request.ExpiresIn),
		CreatedAt:   now,
	}
	charge.Raw = encodeCharge(charge)
	gateway.charges[charge.ExternalID] = charge
	return charge, nil
}

// GetCharge implements payment.Gateway.
func (gateway *Gateway) GetCharge(ctx context.Context, externalID string) (payment.Charge, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if err := gateway.check(ctx); err != nil {
		return payment.Charge{}, err
	}
	charge, ok := gateway.charges[externalID]
	if !ok {
		return payment.Charge{}, fmt.Errorf("%w: charge %s not found", payment.ErrGatewayUnavailable, externalID)
	}
	return charge, nil
}

// ListCharges implements payment.Gateway.
func (gateway *Gateway) ListCharges(ctx context.Context, createdFrom time.Time, createdTo time.Time) ([]payment.Charge, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if err := gateway.check(ctx); err != nil {
		return nil, err
	}
	charges := make([]payment.Charge, 0, len(gateway.charges))
	for _, charge := range gateway.charges {
		if charge.CreatedAt.Before(createdFrom) || charge.CreatedAt.After(createdTo) {
			continue
		}
		charges = append(charges, charge)
	}
	sort.Slice(charges, func(left, right int) bool {
		return charges[left].ExternalID < charges[right].ExternalID
	})
	return charges, nil
}

func (gateway *Gateway) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
	}
	if gateway.unavailable {
		return fmt.Errorf("%w: gateway offline", payment.ErrGatewayUnavailable)
	}
	return nil
}

func encodeCharge(charge payment.Charge) []byte {
	raw, err := json.Marshal(map[string]any{
		"id":        charge.ExternalID,
		"reference": charge.Reference,
		"status":    charge.Status.String(),
		"amount":    charge.AmountCents,
	})
	if err != nil {
		return nil
	}
	return raw
}
