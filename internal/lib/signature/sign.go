// Package signature signs outbound webhook bodies with HMAC-SHA256 so the
// receiving side can verify origin and reject replays outside a time window.
package signature

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
	HeaderSignature = "X-Funnel-Signature"
	HeaderTimestamp = "X-Funnel-Timestamp"

	prefix = "sha256="
)

// Sign returns the header value for body sent at timestamp.
// The signature covers "{timestamp}.{body}".
func Sign(secret string, timestamp int64, body []byte) string {
	return prefix + computeHMAC(secret, timestamp, body)
}

// Verify checks the signature and that timestamp is within tolerance of now.
func Verify(secret, sig, timestamp string, body []byte, tolerance time.Duration, now time.Time) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if tolerance > 0 {
		diff := now.Sub(time.Unix(ts, 0))
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			return false
		}
	}
	if !strings.HasPrefix(sig, prefix) {
		return false
	}
	expected := computeHMAC(secret, ts, body)
	return hmac.Equal([]byte(strings.TrimPrefix(sig, prefix)), []byte(expected))
}

func computeHMAC(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", timestamp)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
