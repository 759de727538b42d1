package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/replay"
)

// jsonCT avoids the []string{v} alloc from Header.Set on every response.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(kind, msg string) apiError {
	var e apiError
	e.Error.Kind = kind
	e.Error.Message = msg
	return e
}

// --- Health ---

type healthResponse struct {
	Status        string `json:"status"`
	TotalKeys     int    `json:"totalKeys"`
	UptimeSeconds int64  `json:"uptime"`
	Backpressure  int    `json:"backpressure"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "OK",
		TotalKeys:     s.deps.Keys.Len(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Backpressure:  s.deps.Keys.TotalInFlight(),
	}
	if !s.deps.Keys.AnyAvailable() {
		resp.Status = "DEGRADED"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Stats ---

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stats.Collect())
}

// --- Backpressure ---

type backpressureResponse struct {
	Current     int     `json:"current"`
	Max         int     `json:"max"`
	Available   int     `json:"available"`
	PercentUsed float64 `json:"percentUsed"`
	Queue       struct {
		Current int           `json:"current"`
		Max     int           `json:"max"`
		Metrics queue.Metrics `json:"metrics"`
	} `json:"queue"`
}

func (s *server) handleBackpressure(w http.ResponseWriter, _ *http.Request) {
	current := s.deps.Keys.TotalInFlight()
	max := s.deps.MaxBackpressure
	var resp backpressureResponse
	resp.Current = current
	resp.Max = max
	if avail := max - current; avail > 0 {
		resp.Available = avail
	}
	if max > 0 {
		resp.PercentUsed = float64(current) / float64(max) * 100
	}
	resp.Queue.Current = s.deps.Admission.Len()
	resp.Queue.Max = s.deps.Admission.Cap()
	resp.Queue.Metrics = s.deps.Admission.Stats()
	writeJSON(w, http.StatusOK, resp)
}

// --- Models ---

type modelEntry struct {
	ModelInfo
	InFlight  int  `json:"inFlight"`
	Available bool `json:"available"`
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("tier")
	keysUp := s.deps.Keys.AnyAvailable()

	data := make([]modelEntry, 0, len(s.deps.Models))
	for _, m := range s.deps.Models {
		if tier != "" && m.Tier != tier {
			continue
		}
		inFlight := s.deps.Keys.ModelInFlight(m.Name)
		data = append(data, modelEntry{
			ModelInfo: m,
			InFlight:  inFlight,
			Available: keysUp && inFlight < m.MaxConcurrency && !s.deps.Pools.IsRateLimited(m.Name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": data})
}

// --- Reload ---

type reloadResponse struct {
	Success bool `json:"success"`
	Total   int  `json:"total"`
	Added   int  `json:"added"`
	Removed int  `json:"removed"`
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	total, added, removed, err := s.deps.Reload(r.Context())
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "key reload failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("reload_failed", "could not reload keys"))
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Success: true, Total: total, Added: added, Removed: removed})
}

// --- Traces ---

func (s *server) handleTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := relay.TraceFilter{
		KeyID: q.Get("key"),
		Model: q.Get("model"),
		Since: q.Get("since"),
	}
	if f.Since != "" {
		// SQLite datetime() silently returns NULL on malformed strings, so
		// validate upfront.
		if _, err := time.Parse(time.RFC3339, f.Since); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid since format, use RFC3339"))
			return
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if f.Offset < 0 {
		f.Offset = 0
	}

	records, err := s.deps.Traces.QueryTraces(r.Context(), f)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "trace query failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal", "trace query failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": records})
}

// --- Replay ---

func (s *server) handleReplayList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.deps.Replays.List(),
		"stats":   s.deps.Replays.GetStats(),
	})
}

type replayRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	DryRun  bool              `json:"dryRun,omitempty"`
}

func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")

	var req replayRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("bad_request", "invalid request body"))
			return
		}
	}
	opts := replay.Options{
		HeaderOverrides: req.Headers,
		DryRun:          req.DryRun,
	}
	if req.Body != "" {
		opts.BodyOverride = []byte(req.Body)
	}

	entry, err := s.deps.Replays.Replay(r.Context(), traceID, s.deps.ReplaySend, opts)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("not_found", "no such trace"))
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"entry":   entry,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (s *server) handleReplayRemove(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Replays.Remove(chi.URLParam(r, "traceID")) {
		writeJSON(w, http.StatusNotFound, errorResponse("not_found", "no such trace"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *server) handleReplayClear(w http.ResponseWriter, _ *http.Request) {
	s.deps.Replays.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
