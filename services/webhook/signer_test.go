package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSigner()

	payload, err := json.Marshal(EventPayload{
		Event:     "points_earned",
		Timestamp: "2026-08-27T14:26:40Z",
		Data:      map[string]any{"userId": "user-1", "points": 50},
	})
	require.NoError(t, err)

	sig := signer.Sign(payload, "whsec_test")
	require.NotEmpty(t, sig)
	require.True(t, signer.Verify(payload, "whsec_test", sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer := NewSigner()

	payload := []byte(`{"event":"points_earned","timestamp":"2026-08-27T00:00:00Z","data":{"points":50}}`)
	sig := signer.Sign(payload, "whsec_test")

	tampered := []byte(`{"event":"points_earned","timestamp":"2026-08-27T00:00:00Z","data":{"points":5000}}`)
	require.False(t, signer.Verify(tampered, "whsec_test", sig))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewSigner()

	payload := []byte(`{"event":"points_earned","timestamp":"2026-08-27T00:00:00Z","data":{}}`)
	sig := signer.Sign(payload, "whsec_one")
	require.False(t, signer.Verify(payload, "whsec_other", sig))
}

func TestSignIsDeterministic(t *testing.T) {
	signer := NewSigner()

	payload := []byte(`{"event":"tier_changed","timestamp":"2026-08-27T00:00:00Z","data":{}}`)
	require.Equal(t, signer.Sign(payload, "s"), signer.Sign(payload, "s"))

	headers := signer.Headers(payload, "s")
	require.Equal(t, signer.Sign(payload, "s"), headers[SignatureHeader])
}
