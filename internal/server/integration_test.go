package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/dispatch"
	"github.com/eugener/shadowfax/internal/keypool"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/stats"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/testutil"
)

// newProxyStack wires a real dispatcher behind the router, the way main does.
func newProxyStack(t *testing.T, upstream *testutil.Upstream, nKeys int, mutate func(*dispatch.Config)) http.Handler {
	t.Helper()
	t.Cleanup(upstream.Close)

	keys := keypool.NewManager(keypool.DefaultConfig(), testSpecs(nKeys), relay.NopSink{})
	pools := pool.NewManager(pool.Config{})
	errs := stats.NewErrorTracker(0)
	tokens := stats.NewTokenTracker(8)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	admission := queue.New(4, time.Second)

	cfg := dispatch.DefaultConfig()
	cfg.BaseURL = upstream.URL()
	if mutate != nil {
		mutate(&cfg)
	}
	proxy := dispatch.New(cfg, dispatch.Deps{
		Keys:      keys,
		Pools:     pools,
		Admission: admission,
		Client:    &http.Client{},
		Metrics:   metrics,
		Errors:    errs,
		Tokens:    tokens,
	})

	var draining atomic.Bool
	return New(Deps{
		Proxy:           proxy,
		Keys:            keys,
		Pools:           pools,
		Admission:       admission,
		Stats:           stats.NewAggregator(keys, pools, errs, tokens, nil),
		Metrics:         metrics,
		MaxBackpressure: 64,
	}, &draining)
}

func TestProxyEndToEnd(t *testing.T) {
	t.Parallel()

	upstream := testutil.NewUpstream(testutil.Step{
		Status: http.StatusOK,
		Body:   `{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":5}}`,
	})
	handler := newProxyStack(t, upstream, 2, nil)

	front := startFront(t, handler)
	res, err := http.Post(front+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"sonnet","messages":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `"msg_1"`) {
		t.Errorf("body = %s", body)
	}

	reqs := upstream.Requests()
	if len(reqs) != 1 {
		t.Fatalf("upstream requests = %d, want 1", len(reqs))
	}
	if reqs[0].Path != "/v1/messages" {
		t.Errorf("path = %q", reqs[0].Path)
	}
	if !strings.HasPrefix(reqs[0].Authorization, "Bearer key-") {
		t.Errorf("authorization = %q, want pool credential", reqs[0].Authorization)
	}
}

func TestProxyEndToEndFailover(t *testing.T) {
	t.Parallel()

	// First attempt hits a 500, the retry on another key succeeds.
	upstream := testutil.NewUpstream(
		testutil.Step{Status: http.StatusInternalServerError, Body: `boom`},
		testutil.Step{Status: http.StatusOK, Body: `{"id":"msg_2"}`},
	)
	handler := newProxyStack(t, upstream, 2, nil)

	front := startFront(t, handler)
	res, err := http.Post(front+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"sonnet"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after failover", res.StatusCode)
	}

	reqs := upstream.Requests()
	if len(reqs) != 2 {
		t.Fatalf("upstream requests = %d, want 2", len(reqs))
	}
	if reqs[0].Authorization == reqs[1].Authorization {
		t.Error("retry reused the failing credential")
	}
}

func TestProxyEndToEndStreaming(t *testing.T) {
	t.Parallel()

	upstream := testutil.NewUpstream(testutil.Step{
		SSE: []string{`{"delta":"a"}`, `{"delta":"b"}`, `[DONE]`},
	})
	handler := newProxyStack(t, upstream, 1, nil)

	front := startFront(t, handler)
	res, err := http.Post(front+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"sonnet","stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if got := strings.Count(string(body), "data: "); got != 3 {
		t.Errorf("events = %d, want 3; body: %s", got, body)
	}
}

func TestProxyEndToEndUpstreamHangup(t *testing.T) {
	t.Parallel()

	// Single attempt, upstream hangs up: the client sees the proxy's
	// socket_hangup error shape.
	upstream := testutil.NewUpstream(testutil.Step{Hangup: true})
	handler := newProxyStack(t, upstream, 1, func(cfg *dispatch.Config) {
		cfg.MaxRetries = 1
	})

	front := startFront(t, handler)
	res, err := http.Post(front+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"sonnet"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), "socket_hangup") {
		t.Errorf("body = %s", body)
	}
}

func startFront(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}
