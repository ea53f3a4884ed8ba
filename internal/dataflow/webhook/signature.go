package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	SignatureHeader = "X-DataFlow-Signature"
	TimestampHeader = "X-DataFlow-Timestamp"
	EventHeader     = "X-DataFlow-Event"
)

// Sign returns the lowercase hex HMAC-SHA256 of "<timestamp>.<body>" keyed with secret.
// Without a secret the signature is empty.
func Sign(secret string, timestamp int64, body []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature in constant time. Receivers can use it to authenticate a notification.
func Verify(secret string, timestamp int64, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
