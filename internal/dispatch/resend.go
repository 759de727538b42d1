package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/eugener/shadowfax/internal/replay"
)

// Resend re-issues a retained request through the full dispatch pipeline,
// so a replayed request gets the same key selection, cooldown checks and
// retry handling as a live one. It satisfies replay.SendFunc.
func (p *Dispatcher) Resend(ctx context.Context, e replay.Entry) error {
	req, err := http.NewRequestWithContext(ctx, e.Method, e.Path, bytes.NewReader(e.Body))
	if err != nil {
		return err
	}
	for k, vals := range e.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	w := &discardResponse{header: make(http.Header), status: http.StatusOK}
	p.ServeHTTP(w, req)
	if w.status >= 400 {
		return fmt.Errorf("replay attempt returned %d", w.status)
	}
	return nil
}

// discardResponse records the status and drops the body; replayed responses
// have no client to stream to.
type discardResponse struct {
	header http.Header
	status int
}

func (d *discardResponse) Header() http.Header         { return d.header }
func (d *discardResponse) Write(b []byte) (int, error) { return len(b), nil }
func (d *discardResponse) WriteHeader(code int)        { d.status = code }
