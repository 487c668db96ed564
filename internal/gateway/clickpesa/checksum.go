package clickpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"time"

	"cargopay/internal/gateway"
)

var (
	signatureFormat = regexp.MustCompile(`^[0-9a-f]{64}$`)
	nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9]`)
)

const referenceSuffixLen = 6

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Checksum signs and verifies ClickPesa request and webhook payloads.
// The algorithm is fixed by the provider: payload values concatenated in
// lexicographic key order, HMAC-SHA256 with the shared secret, lowercase
// hex digest.
type Checksum struct {
	secret string
	now    func() time.Time
	rnd    *rand.Rand
}

// NewChecksum creates a checksum service for the given shared secret.
func NewChecksum(secret string) *Checksum {
	return &Checksum{
		secret: secret,
		now:    time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewChecksumWithClock creates a checksum service with an injectable
// clock and randomness source for deterministic tests.
func NewChecksumWithClock(secret string, now func() time.Time, rnd *rand.Rand) *Checksum {
	return &Checksum{secret: secret, now: now, rnd: rnd}
}

// Sign computes the payload checksum. Fails fast with a configuration
// error if the shared secret is unset; no network or database call is
// ever attempted first.
func (c *Checksum) Sign(payload map[string]any) (string, error) {
	if c.secret == "" {
		return "", gateway.NewConfigError(Name, "checksum secret not set")
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha256.New, []byte(c.secret))
	for _, k := range keys {
		mac.Write([]byte(coerceScalar(payload[k])))
	}

	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the checksum and compares in constant time.
func (c *Checksum) Verify(payload map[string]any, signature string) (bool, error) {
	expected, err := c.Sign(payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// IsValidFormat reports whether sig looks like a checksum: exactly 64
// lowercase hex characters. Used to reject malformed input before a
// full verify.
func (c *Checksum) IsValidFormat(sig string) bool {
	return signatureFormat.MatchString(sig)
}

// GenerateReference produces a request-scoped idempotency token:
// prefix + unix timestamp + 6 random uppercase alphanumerics, with any
// remaining non-alphanumeric characters stripped. The provider rejects
// punctuation in reference fields.
func (c *Checksum) GenerateReference(prefix string) string {
	suffix := make([]byte, referenceSuffixLen)
	for i := range suffix {
		suffix[i] = referenceAlphabet[c.rnd.Intn(len(referenceAlphabet))]
	}
	ref := fmt.Sprintf("%s%d%s", prefix, c.now().Unix(), suffix)
	return nonAlphanumeric.ReplaceAllString(ref, "")
}

// coerceScalar renders a payload value in its canonical string form.
// JSON numbers arrive as float64; integral values must not grow a
// decimal point or signatures stop matching the provider's.
func coerceScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
