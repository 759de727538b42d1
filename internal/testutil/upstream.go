// Package testutil provides configurable test fakes for proxy collaborators.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Step is one scripted upstream response. Steps are consumed in order; once
// the script is exhausted the upstream repeats the last step.
type Step struct {
	Status  int
	Body    string
	Headers map[string]string
	Delay   time.Duration // applied before writing the response
	SSE     []string      // when set, Body is ignored and events stream out
	Hangup  bool          // close the connection without a response
}

// Upstream is a scriptable fake chat-completion upstream. Each request pops
// the next Step and replays it; observed requests are recorded for assertion.
type Upstream struct {
	Server *httptest.Server

	mu    sync.Mutex
	steps []Step
	seen  []ObservedRequest
}

// ObservedRequest captures what the upstream saw for one request.
type ObservedRequest struct {
	Method        string
	Path          string
	Authorization string
	Model         string
}

// NewUpstream starts a fake upstream serving the given script. Callers own
// shutdown via Close (or t.Cleanup).
func NewUpstream(steps ...Step) *Upstream {
	u := &Upstream{steps: steps}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// URL returns the upstream base URL.
func (u *Upstream) URL() string { return u.Server.URL }

// Close shuts the upstream down.
func (u *Upstream) Close() { u.Server.Close() }

// Requests returns a copy of everything the upstream observed so far.
func (u *Upstream) Requests() []ObservedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]ObservedRequest, len(u.seen))
	copy(out, u.seen)
	return out
}

// Append adds steps to the end of the script.
func (u *Upstream) Append(steps ...Step) {
	u.mu.Lock()
	u.steps = append(u.steps, steps...)
	u.mu.Unlock()
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.seen = append(u.seen, ObservedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Model:         r.Header.Get("X-Model"),
	})
	var step Step
	switch {
	case len(u.steps) == 0:
		step = Step{Status: http.StatusOK, Body: `{}`}
	case len(u.steps) == 1:
		step = u.steps[0]
	default:
		step = u.steps[0]
		u.steps = u.steps[1:]
	}
	u.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if step.Hangup {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("testutil: response writer does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			panic(err)
		}
		conn.Close()
		return
	}

	if len(step.SSE) > 0 {
		w.Header().Set("Content-Type", "text/event-stream")
		if step.Status != 0 {
			w.WriteHeader(step.Status)
		}
		fl, _ := w.(http.Flusher)
		for _, ev := range step.SSE {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			if fl != nil {
				fl.Flush()
			}
		}
		return
	}

	for k, v := range step.Headers {
		w.Header().Set(k, v)
	}
	status := step.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	fmt.Fprint(w, step.Body)
}
