package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// classifyErr maps a transport error to a failure kind. Callers handle the
// client-cancel case before classification; here a cancelled context means
// the client went away mid-call.
func classifyErr(err error) relay.FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return relay.FailTimeout
	case errors.Is(err, context.Canceled):
		return relay.FailClientDisconnect
	case errors.Is(err, syscall.ECONNREFUSED):
		return relay.FailConnectionRefused
	case errors.Is(err, syscall.EPIPE):
		return relay.FailBrokenPipe
	case errors.Is(err, syscall.ECONNRESET):
		return relay.FailSocketHangup
	case errors.Is(err, syscall.ECONNABORTED):
		return relay.FailConnectionAborted
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return relay.FailSocketHangup
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return relay.FailDNSError
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return relay.FailTLSError
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return relay.FailTLSError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return relay.FailTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "tls:"):
		return relay.FailTLSError
	case strings.Contains(msg, "malformed HTTP"), strings.Contains(msg, "bad Content-Length"):
		return relay.FailHTTPParse
	}
	return relay.FailOther
}

// kindForStatus maps an upstream HTTP status to a failure kind, or "" when
// the status is not a failure the scheduler tracks.
func kindForStatus(status int) relay.FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return relay.FailRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return relay.FailAuthError
	case status >= 500:
		return relay.FailServerError
	}
	return ""
}

// parseRetryAfter extracts the upstream's requested cooldown from a 429
// response: Retry-After in seconds or HTTP-date, else x-ratelimit-reset as a
// delta or epoch. Returns 0 when the response carries no usable hint.
func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			// Epoch seconds if it reads as a timestamp in the future,
			// otherwise a delta in seconds.
			if at := time.Unix(n, 0); n > 1<<30 {
				if d := time.Until(at); d > 0 {
					return d
				}
				return 0
			}
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

// rateLimitHints reads the pacing headers the pool manager consumes.
func rateLimitHints(h http.Header) (remaining, limit int64, reset string, ok bool) {
	rem := h.Get("x-ratelimit-remaining")
	if rem == "" {
		return 0, 0, "", false
	}
	remaining, err := strconv.ParseInt(rem, 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	if v := h.Get("x-ratelimit-limit"); v != "" {
		limit, _ = strconv.ParseInt(v, 10, 64)
	}
	return remaining, limit, h.Get("x-ratelimit-reset"), true
}
