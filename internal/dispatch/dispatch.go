// Package dispatch implements the per-request state machine: admission
// control, credential selection, the upstream call with adaptive timeout and
// retries, and streaming relay of the response back to the client.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/keypool"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/redact"
	"github.com/eugener/shadowfax/internal/replay"
	"github.com/eugener/shadowfax/internal/stats"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/tokencount"
)

const defaultModel = "default"

// Config tunes the dispatcher.
type Config struct {
	BaseURL             string
	MaxRetries          int           // total attempts per request
	RetryBackoffBase    time.Duration // doubled per attempt, with jitter
	MaxBackpressure     int           // in-flight cap before requests queue
	MaxBodySize         int64
	BaseUpstreamTimeout time.Duration
	MaxUpstreamTimeout  time.Duration
}

// DefaultConfig returns the stock dispatcher tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryBackoffBase:    250 * time.Millisecond,
		MaxBackpressure:     64,
		MaxBodySize:         10 << 20,
		BaseUpstreamTimeout: 30 * time.Second,
		MaxUpstreamTimeout:  120 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = d.RetryBackoffBase
	}
	if c.MaxBackpressure <= 0 {
		c.MaxBackpressure = d.MaxBackpressure
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.BaseUpstreamTimeout <= 0 {
		c.BaseUpstreamTimeout = d.BaseUpstreamTimeout
	}
	if c.MaxUpstreamTimeout <= 0 {
		c.MaxUpstreamTimeout = d.MaxUpstreamTimeout
	}
	return c
}

// TraceSink receives one record per terminal request. Implementations must
// not block.
type TraceSink interface {
	Record(relay.TraceRecord)
}

// Deps are the dispatcher's collaborators. Persist, Replays, Traces, and
// Events are optional.
type Deps struct {
	Keys      *keypool.Manager
	Pools     *pool.Manager
	Admission *queue.Queue
	Client    *http.Client
	Metrics   *telemetry.Metrics
	Errors    *stats.ErrorTracker
	Tokens    *stats.TokenTracker
	Persist   *stats.Persistence
	Replays   *replay.Queue
	Traces    TraceSink
	Events    relay.EventSink
}

// Dispatcher relays chat-completion requests to the upstream using the
// credential pool. It is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	d        Deps
	modelLat *modelLatencies
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Events == nil {
		deps.Events = relay.NopSink{}
	}
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	return &Dispatcher{cfg: cfg.withDefaults(), d: deps, modelLat: newModelLatencies()}
}

// outcome is the result of one upstream attempt.
type outcome struct {
	retry     bool
	written   bool // response (or part of it) already reached the client
	success   bool
	kind      relay.FailureKind
	status    int // client-visible status when terminal and not yet written
	latencyMs int64
	inTokens  int64
	outTokens int64
}

// ServeHTTP runs the full request lifecycle: admission, model gate, the
// select/dispatch/retry loop, and terminal bookkeeping.
func (p *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	traceID := relay.TraceIDFromContext(ctx)

	p.d.Metrics.ActiveRequests.Inc()
	defer p.d.Metrics.ActiveRequests.Dec()

	body, ok := p.readBody(w, r)
	if !ok {
		p.countRequest(r, http.StatusRequestEntityTooLarge, start)
		return
	}

	// Admission control: above the backpressure cap, wait for a slot.
	if p.d.Keys.TotalInFlight() >= p.cfg.MaxBackpressure {
		if !p.awaitAdmission(ctx, w, r, start) {
			return
		}
	}
	// Every terminal request frees one queued waiter.
	defer p.d.Admission.Release()

	model := extractModel(r.Header, body)

	if !p.d.Keys.AcquireModelSlot(model) {
		p.d.Metrics.RateLimitRejects.WithLabelValues("model").Inc()
		retryAfter := p.modelRetryAfter(model)
		writeProxyError(w, http.StatusTooManyRequests, "model_saturated",
			"model concurrency exhausted", retryAfter.Milliseconds())
		p.countRequest(r, http.StatusTooManyRequests, start)
		return
	}
	defer p.d.Keys.ReleaseModelSlot(model)

	var (
		excluded  = make(map[int]struct{})
		attempts  int
		lastKeyID string
		res       outcome
	)

	for {
		attempts++

		if p.d.Pools.IsRateLimited(model) {
			remaining := p.d.Pools.CooldownRemaining(model)
			p.d.Metrics.RateLimitRejects.WithLabelValues("pool").Inc()
			writeProxyError(w, http.StatusTooManyRequests, "pool_cooldown",
				"model pool cooling down", remaining.Milliseconds())
			res = outcome{written: true, kind: relay.FailRateLimited, status: http.StatusTooManyRequests}
			break
		}

		key, err := p.d.Keys.AcquireKey(excluded)
		if err != nil {
			res = p.failAcquire(w, err)
			break
		}
		lastKeyID = key.ID()

		canRetry := attempts < p.cfg.MaxRetries
		res = p.attempt(ctx, w, r, key, body, model, canRetry)
		if !res.retry {
			break
		}

		excluded[key.Index()] = struct{}{}
		p.d.Metrics.Retries.WithLabelValues(string(res.kind)).Inc()
		if !p.backoff(ctx, attempts) {
			res = outcome{kind: relay.FailClientDisconnect, written: true}
			break
		}
	}

	p.finish(r, traceID, model, lastKeyID, attempts, start, body, res)
}

// awaitAdmission blocks until a slot frees up. Returns false when the
// request terminated while waiting (the error is already written).
func (p *Dispatcher) awaitAdmission(ctx context.Context, w http.ResponseWriter, r *http.Request, start time.Time) bool {
	p.d.Metrics.QueueDepth.Inc()
	err := p.d.Admission.Wait(ctx, 0)
	p.d.Metrics.QueueDepth.Dec()
	switch {
	case err == nil:
		return true
	case errors.Is(err, relay.ErrQueueFull):
		writeProxyError(w, http.StatusServiceUnavailable, "queue_full", "admission queue at capacity", 0)
	case errors.Is(err, relay.ErrQueueTimeout):
		writeProxyError(w, http.StatusServiceUnavailable, "queue_timeout", "timed out waiting for capacity", 0)
	default:
		// Client went away while queued.
	}
	p.countRequest(r, http.StatusServiceUnavailable, start)
	return false
}

// failAcquire maps a selection failure to a client response.
func (p *Dispatcher) failAcquire(w http.ResponseWriter, err error) outcome {
	if errors.Is(err, relay.ErrAccountRateLimited) {
		_, remaining := p.d.Keys.IsAccountRateLimited()
		p.d.Metrics.RateLimitRejects.WithLabelValues("account").Inc()
		writeProxyError(w, http.StatusTooManyRequests, "account_rate_limited",
			"account-level rate limit in effect", remaining.Milliseconds())
		return outcome{written: true, kind: relay.FailRateLimited, status: http.StatusTooManyRequests}
	}
	if cooling, longest := p.d.Pools.AnyCoolingDown(); cooling {
		p.d.Metrics.RateLimitRejects.WithLabelValues("pool").Inc()
		writeProxyError(w, http.StatusTooManyRequests, "pool_cooldown",
			"all pools cooling down", longest.Milliseconds())
		return outcome{written: true, kind: relay.FailRateLimited, status: http.StatusTooManyRequests}
	}
	writeProxyError(w, http.StatusServiceUnavailable, "no_keys_available",
		"no credential available", 0)
	return outcome{written: true, kind: relay.FailOther, status: http.StatusServiceUnavailable}
}

// attempt performs one upstream call with the acquired key. The credential
// is released through exactly one Record*/ReleaseKey call on every path.
func (p *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request,
	key *keypool.Credential, body []byte, model string, canRetry bool) outcome {

	released := false
	defer func() {
		if !released {
			p.d.Keys.ReleaseKey(key)
		}
	}()

	// Pacing: when the pool is near its upstream limit, spread requests out.
	if delay := p.d.Pools.PacingDelay(model); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return outcome{written: true, kind: relay.FailClientDisconnect}
		}
	}

	timeout := p.adaptiveTimeout(key)
	upCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := p.buildUpstream(upCtx, r, body, key)
	if err != nil {
		writeProxyError(w, http.StatusBadGateway, string(relay.FailOther), "cannot build upstream request", 0)
		return outcome{written: true, kind: relay.FailOther, status: http.StatusBadGateway}
	}

	start := time.Now()
	resp, err := p.d.Client.Do(req)
	if err != nil {
		latency := time.Since(start).Milliseconds()
		kind := classifyErr(err)
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = relay.FailClientDisconnect
		}
		p.d.Keys.RecordFailure(key, kind)
		released = true
		p.recordError(kind, key.ID(), model)

		if kind == relay.FailClientDisconnect {
			return outcome{written: true, kind: kind, latencyMs: latency}
		}
		if canRetry && kind.Retryable() {
			return outcome{retry: true, kind: kind, latencyMs: latency}
		}
		status := http.StatusBadGateway
		if kind == relay.FailTimeout {
			status = http.StatusGatewayTimeout
		}
		writeProxyError(w, status, string(kind), "upstream request failed", 0)
		return outcome{written: true, kind: kind, status: status, latencyMs: latency}
	}
	defer resp.Body.Close()

	if rem, lim, reset, hinted := rateLimitHints(resp.Header); hinted {
		p.d.Pools.RecordRateLimitHeaders(model, rem, lim, reset)
	}

	switch kind := kindForStatus(resp.StatusCode); kind {
	case relay.FailRateLimited:
		cooldown := parseRetryAfter(resp.Header)
		p.d.Keys.RecordRateLimit(key, cooldown.Milliseconds())
		released = true
		p.d.Pools.RecordRateLimitHit(model)
		p.d.Keys.DetectAccountRateLimit(key.Index())
		p.d.Errors.Record(kind)
		p.d.Metrics.RateLimitRejects.WithLabelValues("upstream").Inc()

		if canRetry && p.d.Keys.AnyAvailable() {
			drain(resp.Body)
			return outcome{retry: true, kind: kind}
		}
		p.relayResponse(w, resp)
		return outcome{written: true, kind: kind, status: resp.StatusCode}

	case relay.FailServerError:
		latency := time.Since(start).Milliseconds()
		p.d.Keys.RecordFailure(key, kind)
		released = true
		p.recordError(kind, key.ID(), model)
		if canRetry {
			drain(resp.Body)
			return outcome{retry: true, kind: kind, latencyMs: latency}
		}
		p.relayResponse(w, resp)
		return outcome{written: true, kind: kind, status: resp.StatusCode, latencyMs: latency}

	case relay.FailAuthError:
		p.d.Keys.RecordFailure(key, kind)
		released = true
		p.recordError(kind, key.ID(), model)
		p.relayResponse(w, resp)
		return outcome{written: true, kind: kind, status: resp.StatusCode}

	default:
		// 2xx and benign 4xx: relay verbatim.
		written, streamed, buf, werr := p.relayResponse(w, resp)
		latency := time.Since(start).Milliseconds()
		if werr != nil {
			kind := relay.FailSocketHangup
			if ctx.Err() != nil {
				kind = relay.FailClientDisconnect
			}
			p.d.Keys.RecordFailure(key, kind)
			released = true
			p.recordError(kind, key.ID(), model)
			slog.LogAttrs(ctx, slog.LevelWarn, "stream aborted",
				slog.String("key", key.ID()),
				slog.String("kind", string(kind)),
				slog.Int64("bytes_relayed", written),
				slog.Bool("streamed", streamed),
			)
			// Response already started; never retried.
			return outcome{written: true, kind: kind, latencyMs: latency}
		}
		p.d.Keys.RecordSuccess(key, latency)
		released = true
		in, out := usageTokens(buf)
		p.d.Metrics.UpstreamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		return outcome{
			written: true, success: resp.StatusCode < 400,
			status: resp.StatusCode, latencyMs: latency,
			inTokens: in, outTokens: out,
		}
	}
}

// finish performs the terminal bookkeeping for one request.
func (p *Dispatcher) finish(r *http.Request, traceID, model, keyID string, attempts int, start time.Time, body []byte, res outcome) {
	status := res.status
	if status == 0 {
		status = http.StatusOK
	}
	p.countRequest(r, status, start)

	if p.d.Persist != nil && keyID != "" {
		p.d.Persist.RecordOutcome(keyID, res.success, attempts-1)
	}
	if res.success {
		p.modelLat.Observe(model, res.latencyMs)
	}
	// Streamed responses report no usage; fall back to estimating the
	// input side from the request body.
	if res.success && res.inTokens == 0 && res.outTokens == 0 {
		res.inTokens = tokencount.EstimateRequest(body)
	}
	if res.success && (res.inTokens > 0 || res.outTokens > 0) {
		p.d.Tokens.Record(keyID, res.inTokens, res.outTokens)
		p.d.Metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(res.inTokens))
		p.d.Metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(res.outTokens))
	}

	if p.d.Traces != nil {
		p.d.Traces.Record(relay.TraceRecord{
			TraceID:      traceID,
			KeyID:        keyID,
			Model:        model,
			StatusCode:   status,
			FailureKind:  failureKindLabel(res),
			Attempts:     attempts,
			LatencyMs:    time.Since(start).Milliseconds(),
			InputTokens:  res.inTokens,
			OutputTokens: res.outTokens,
			CreatedAt:    time.Now(),
		})
	}

	// Failed requests (not client aborts) become replay candidates.
	if p.d.Replays != nil && !res.success &&
		res.kind != relay.FailClientDisconnect && res.kind != "" {
		p.d.Replays.Enqueue(replay.Entry{
			TraceID:     traceID,
			Method:      r.Method,
			Path:        r.URL.Path,
			Headers:     redact.Headers(r.Header),
			Body:        body,
			Model:       model,
			FailureKind: string(res.kind),
			StatusCode:  status,
			EnqueuedAt:  time.Now(),
		})
	}

	slog.LogAttrs(r.Context(), slog.LevelInfo, "request complete",
		slog.String("trace_id", traceID),
		slog.String("model", model),
		slog.String("key", keyID),
		slog.Int("status", status),
		slog.Int("attempts", attempts),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func failureKindLabel(res outcome) string {
	if res.success || res.kind == "" {
		return ""
	}
	return string(res.kind)
}

func (p *Dispatcher) countRequest(r *http.Request, status int, start time.Time) {
	p.d.Metrics.RequestsTotal.WithLabelValues(r.Method, fmt.Sprint(status)).Inc()
	p.d.Metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

func (p *Dispatcher) recordError(kind relay.FailureKind, keyID, model string) {
	p.d.Metrics.UpstreamErrors.WithLabelValues(string(kind)).Inc()
	if spike := p.d.Errors.Record(kind); spike {
		p.d.Events.Emit(relay.Event{
			Type:      relay.EventErrorSpike,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"kind":  string(kind),
				"key":   keyID,
				"model": model,
				"total": p.d.Errors.Total(),
			},
		})
	}
}

// readBody reads the request body up to the configured cap. On overflow it
// writes the 413 and drains the remainder silently.
func (p *Dispatcher) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > p.cfg.MaxBodySize {
		drain(r.Body)
		writeProxyError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", 0)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodySize+1))
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, "body_read_error", "cannot read request body", 0)
		return nil, false
	}
	if int64(len(body)) > p.cfg.MaxBodySize {
		drain(r.Body)
		writeProxyError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", 0)
		return nil, false
	}
	return body, true
}

// adaptiveTimeout scales the upstream timeout with the key's observed p95.
func (p *Dispatcher) adaptiveTimeout(key *keypool.Credential) time.Duration {
	timeout := p.cfg.BaseUpstreamTimeout
	if adaptive := time.Duration(2*key.P95Latency()) * time.Millisecond; adaptive > timeout {
		timeout = adaptive
	}
	if timeout > p.cfg.MaxUpstreamTimeout {
		timeout = p.cfg.MaxUpstreamTimeout
	}
	return timeout
}

// modelRetryAfter derives a Retry-After hint from the requested model's
// historic latency. A model with no samples yet falls back to the worst
// per-key p95 so the hint stays meaningful during warm-up.
func (p *Dispatcher) modelRetryAfter(model string) time.Duration {
	p95 := p.modelLat.P95(model)
	if p95 == 0 {
		for _, k := range p.d.Keys.Snapshot() {
			if k.P95LatencyMs > p95 {
				p95 = k.P95LatencyMs
			}
		}
	}
	if d := time.Duration(p95) * time.Millisecond; d > time.Second {
		return d
	}
	return time.Second
}

// backoff sleeps between attempts: exponential from the base with jitter.
// Returns false when the client went away while sleeping.
func (p *Dispatcher) backoff(ctx context.Context, attempt int) bool {
	d := p.cfg.RetryBackoffBase << (attempt - 1)
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// buildUpstream constructs the outbound request: original method, path, and
// query against the configured base URL, headers minus hop-by-hop and client
// auth, and the selected credential substituted into Authorization.
func (p *Dispatcher) buildUpstream(ctx context.Context, r *http.Request, body []byte, key *keypool.Credential) (*http.Request, error) {
	target := p.cfg.BaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vals := range r.Header {
		if _, hop := hopByHopHeaders[k]; hop {
			continue
		}
		lower := strings.ToLower(k)
		if lower == "authorization" || lower == "x-api-key" {
			continue
		}
		req.Header[k] = vals
	}
	req.Header.Set("Authorization", key.Bearer())
	req.ContentLength = int64(len(body))
	return req, nil
}

// relayResponse copies the upstream response to the client: headers, status,
// then the body with flush-on-read for event streams. For buffered bodies
// the bytes are also returned for usage extraction.
func (p *Dispatcher) relayResponse(w http.ResponseWriter, resp *http.Response) (written int64, streamed bool, buf []byte, err error) {
	for k, vals := range resp.Header {
		if _, hop := hopByHopHeaders[k]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	streamed = canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson"))

	if streamed {
		chunk := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(chunk)
			if n > 0 {
				nw, writeErr := w.Write(chunk[:n])
				written += int64(nw)
				if writeErr != nil {
					return written, true, nil, writeErr
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return written, true, nil, nil
				}
				return written, true, nil, readErr
			}
		}
	}

	// Non-streaming: buffer (bounded) so usage tokens can be extracted.
	const maxResponseBody = 32 << 20
	buf, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, false, nil, err
	}
	nw, err := w.Write(buf)
	return int64(nw), false, buf, err
}

// usageTokens pulls token counts from a buffered JSON response body.
func usageTokens(buf []byte) (in, out int64) {
	if len(buf) == 0 || !gjson.ValidBytes(buf) {
		return 0, 0
	}
	usage := gjson.GetBytes(buf, "usage")
	if !usage.Exists() {
		return 0, 0
	}
	in = usage.Get("input_tokens").Int()
	if in == 0 {
		in = usage.Get("prompt_tokens").Int()
	}
	out = usage.Get("output_tokens").Int()
	if out == 0 {
		out = usage.Get("completion_tokens").Int()
	}
	return in, out
}

// proxyError is the failure shape written for proxy-level errors. Upstream
// failures stream the upstream body through instead.
type proxyError struct {
	Error struct {
		Kind         string `json:"kind"`
		Message      string `json:"message"`
		RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	} `json:"error"`
}

func writeProxyError(w http.ResponseWriter, status int, kind, message string, retryAfterMs int64) {
	var pe proxyError
	pe.Error.Kind = kind
	pe.Error.Message = message
	pe.Error.RetryAfterMs = retryAfterMs

	w.Header().Set("Content-Type", "application/json")
	if retryAfterMs > 0 {
		secs := (retryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", fmt.Sprint(secs))
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(pe)
}

// extractModel finds the model key: the body's "model" field, else the
// X-Model header, else a permissive default.
func extractModel(h http.Header, body []byte) string {
	if m := gjson.GetBytes(body, "model").String(); m != "" {
		return m
	}
	if m := h.Get("X-Model"); m != "" {
		return m
	}
	return defaultModel
}

func drain(r io.Reader) {
	io.Copy(io.Discard, io.LimitReader(r, 1<<20))
}
