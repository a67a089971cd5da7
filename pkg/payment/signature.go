package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac-sha256 of "<t>.<body>">".
	SignatureHeader = "X-Pix-Signature"

	DefaultSignatureTolerance = 5 * time.Minute

	signatureTimestampKey = "t"
	signatureVersionKey   = "v1"
)

// SignPayload produces a signature header value for body at timestamp.
func SignPayload(secret []byte, body []byte, timestamp time.Time) string {
	unixSeconds := strconv.FormatInt(timestamp.Unix(), 10)
	return signatureTimestampKey + "=" + unixSeconds + "," + signatureVersionKey + "=" + computeSignature(secret, unixSeconds, body)
}

// VerifySignature checks header against body. Any v1 value may match; the timestamp must be
// within tolerance of now in either direction.
func VerifySignature(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(header) == "" {
		return fmt.Errorf("%w: missing header", ErrInvalidWebhookSignature)
	}
	var (
		timestamp  string
		signatures []string
	)
	for _, element := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(element), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case signatureTimestampKey:
			timestamp = parts[1]
		case signatureVersionKey:
			signatures = append(signatures, parts[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: missing timestamp or signature", ErrInvalidWebhookSignature)
	}
	unixSeconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrInvalidWebhookSignature, timestamp)
	}
	age := now.Sub(time.Unix(unixSeconds, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidWebhookSignature)
	}
	expected := computeSignature(secret, timestamp, body)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidWebhookSignature)
}

func computeSignature(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
