package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Delivery headers set by the provider.
const (
	headerEventType  = "X-GitHub-Event"
	headerDeliveryID = "X-GitHub-Delivery"
	headerSignature  = "X-Hub-Signature-256"
	headerHookID     = "X-GitHub-Hook-ID"

	signaturePrefix = "sha256="
)

var (
	// ErrMissingHeaders marks a delivery without the required identifying
	// headers. Mapped to HTTP 400.
	ErrMissingHeaders = errors.New("missing delivery headers")
	// ErrSignatureFormat marks a signature header that is not sha256=<hex>.
	// Detected before any comparison. Mapped to HTTP 400.
	ErrSignatureFormat = errors.New("malformed signature header")
	// ErrSignatureMismatch marks a payload whose HMAC does not match the
	// signature header. Mapped to HTTP 401.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Headers are the identifying headers of one delivery.
type Headers struct {
	EventType  string
	DeliveryID string
	Signature  string
	HookID     string
}

// ExtractHeaders pulls the delivery headers out of a request. Event type,
// delivery id, and signature are required; the hook id is optional.
func ExtractHeaders(header http.Header) (Headers, error) {
	h := Headers{
		EventType:  header.Get(headerEventType),
		DeliveryID: header.Get(headerDeliveryID),
		Signature:  header.Get(headerSignature),
		HookID:     header.Get(headerHookID),
	}

	var missing []string
	if h.EventType == "" {
		missing = append(missing, headerEventType)
	}
	if h.DeliveryID == "" {
		missing = append(missing, headerDeliveryID)
	}
	if h.Signature == "" {
		missing = append(missing, headerSignature)
	}
	if len(missing) > 0 {
		return Headers{}, fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ", "))
	}
	return h, nil
}

// VerifySignature checks the sha256=<hex> signature header against the
// HMAC-SHA256 of the raw payload under the given secret. The comparison is
// constant-time; a malformed header fails before any comparison runs.
func VerifySignature(secret string, payload []byte, signature string) error {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return fmt.Errorf("%w: missing %s prefix", ErrSignatureFormat, signaturePrefix)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign computes the sha256=<hex> signature for a payload. Used by tests and
// local delivery tooling.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
