package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the webhook signature on inbound requests.
const SignatureHeader = "layercode-signature"

// Verifier reports whether payload was signed with secret.
type Verifier interface {
	Verify(payload []byte, signature, secret string) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(payload []byte, signature, secret string) bool

func (f VerifierFunc) Verify(payload []byte, signature, secret string) bool {
	return f(payload, signature, secret)
}

// HMACVerifier checks signatures of the form "t=<unix seconds>,v1=<hex>",
// where v1 is HMAC-SHA256(secret, "<t>.<payload>"). Timestamps further than
// Tolerance from now are rejected; a zero Tolerance skips the check.
type HMACVerifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

func (v HMACVerifier) Verify(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	var ts, sig string
	for _, part := range strings.Split(signature, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sig = val
		}
	}
	if ts == "" || sig == "" {
		return false
	}

	if v.Tolerance > 0 {
		secs, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		skew := now().Sub(time.Unix(secs, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.Tolerance {
			return false
		}
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(payload, ts, secret))
}

// Sign returns the raw HMAC for payload at timestamp ts.
func Sign(payload []byte, ts, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureFor builds a complete header value for payload signed at t.
func SignatureFor(payload []byte, t time.Time, secret string) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(Sign(payload, ts, secret))
}
