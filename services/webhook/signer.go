package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the payload signature on every delivery.
const SignatureHeader = "X-Loyalty-Signature"

// Signer produces and verifies HMAC-SHA256 signatures over the exact
// serialized payload bytes.
type Signer struct{}

func NewSigner() *Signer {
	return &Signer{}
}

// Sign returns the hex encoded HMAC-SHA256 of payload under secret.
func (s *Signer) Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers returns the signature headers to attach to a delivery request.
func (s *Signer) Headers(payload []byte, secret string) map[string]string {
	return map[string]string{
		SignatureHeader: s.Sign(payload, secret),
	}
}

// Verify checks a received signature in constant time.
func (s *Signer) Verify(payload []byte, secret, signature string) bool {
	expected := s.Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
