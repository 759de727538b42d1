// Package redact sanitizes credentials and request metadata before they
// cross into any side channel: logs, webhooks, traces, or the persisted
// stats snapshot. Secrets never leave this package in cleartext.
package redact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// sensitiveHeaders are stripped or masked wherever request headers are
// echoed into observability payloads.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Set-Cookie":          {},
	"X-Api-Key":           {},
}

const mask = "[redacted]"

// KeyID returns the loggable form of a raw credential: the portion before
// the first "." when present, otherwise a short prefix of the value. The
// result never contains secret material.
func KeyID(raw string) string {
	if id, _, ok := strings.Cut(raw, "."); ok {
		if id == "" {
			return mask
		}
		return id
	}
	const prefixLen = 8
	if len(raw) <= prefixLen {
		return mask
	}
	return raw[:prefixLen] + "…"
}

// Headers returns a copy of h with sensitive values masked. The input is
// never modified.
func Headers(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, sensitive := sensitiveHeaders[http.CanonicalHeaderKey(name)]; sensitive {
			out[name] = []string{mask}
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// HeaderMap is Headers flattened to single values, for JSON payloads that
// carry headers as a plain map.
func HeaderMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if _, sensitive := sensitiveHeaders[http.CanonicalHeaderKey(name)]; sensitive {
			out[name] = mask
			continue
		}
		out[name] = values[0]
	}
	return out
}

// Sign computes the webhook signature for a delivery: the hex HMAC-SHA256
// of "<timestamp>.<body>" under secret, prefixed with "sha256=".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches the expected signature for
// the delivery, using a constant-time comparison.
func VerifySignature(secret, timestamp string, body []byte, sig string) bool {
	want := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(sig))
}
