package clickpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargopay/internal/gateway"
)

func TestChecksumSign(t *testing.T) {
	cs := NewChecksum("test-secret")

	payload := map[string]any{
		"currency":       "TZS",
		"amount":         "10000",
		"orderReference": "CP1700000000ABC123",
	}

	sig, err := cs.Sign(payload)
	require.NoError(t, err)
	assert.True(t, cs.IsValidFormat(sig))

	// Independent computation: values concatenated in lexicographic key
	// order (amount, currency, orderReference).
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte("10000" + "TZS" + "CP1700000000ABC123"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestChecksumSignOrdersByKeyNotValue(t *testing.T) {
	cs := NewChecksum("test-secret")

	a, err := cs.Sign(map[string]any{"a": "x", "b": "y"})
	require.NoError(t, err)
	b, err := cs.Sign(map[string]any{"a": "y", "b": "x"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestChecksumSignCoercesScalars(t *testing.T) {
	cs := NewChecksum("test-secret")

	// JSON numbers arrive as float64; an integral amount must sign the
	// same as its string form.
	fromFloat, err := cs.Sign(map[string]any{"amount": float64(10000), "currency": "TZS"})
	require.NoError(t, err)
	fromString, err := cs.Sign(map[string]any{"amount": "10000", "currency": "TZS"})
	require.NoError(t, err)

	assert.Equal(t, fromString, fromFloat)
}

func TestChecksumSignMissingSecret(t *testing.T) {
	cs := NewChecksum("")

	_, err := cs.Sign(map[string]any{"amount": "10000"})
	require.Error(t, err)
	assert.True(t, gateway.IsConfigError(err))
}

func TestChecksumVerify(t *testing.T) {
	cs := NewChecksum("test-secret")
	payload := map[string]any{"amount": "500", "currency": "TZS"}

	sig, err := cs.Sign(payload)
	require.NoError(t, err)

	ok, err := cs.Verify(payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	payload["amount"] = "501"
	ok, err = cs.Verify(payload, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChecksumIsValidFormat(t *testing.T) {
	cs := NewChecksum("test-secret")

	valid := "a3f8b2c1d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1"
	assert.True(t, cs.IsValidFormat(valid))
	assert.False(t, cs.IsValidFormat(valid[:63]))
	assert.False(t, cs.IsValidFormat(valid+"a"))
	assert.False(t, cs.IsValidFormat("A3F8"+valid[4:]))
	assert.False(t, cs.IsValidFormat("z"+valid[1:]))
	assert.False(t, cs.IsValidFormat(""))
}

func TestGenerateReference(t *testing.T) {
	now := func() time.Time { return time.Unix(1700000000, 0) }
	cs := NewChecksumWithClock("test-secret", now, rand.New(rand.NewSource(42)))

	ref := cs.GenerateReference("CP")
	assert.Regexp(t, regexp.MustCompile(`^CP1700000000[A-Z0-9]{6}$`), ref)

	other := cs.GenerateReference("CP")
	assert.NotEqual(t, ref, other)
}

func TestGenerateReferenceStripsPunctuation(t *testing.T) {
	now := func() time.Time { return time.Unix(1700000000, 0) }
	cs := NewChecksumWithClock("test-secret", now, rand.New(rand.NewSource(42)))

	ref := cs.GenerateReference("INV-2024/01")
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9]+$`), ref)
	assert.Contains(t, ref, "INV202401")
}
