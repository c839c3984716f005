package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/workq/internal/codec"
	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/server"
)

const defaultWorkListLimit = 50

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       len(st.Clients),
		Waiting:       st.Waiting,
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Status())
}

// handleCall handles POST /call/{signature}. It blocks until a worker
// answers, the timeout passes or the client goes away.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	signature := chi.URLParam(r, "signature")
	t, ok := s.orch.Task(signature)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	var req CallRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	timeout := s.config.MaxCallTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = min(d, timeout)
	}

	args, _ := fromJSON(req.Args).([]any)
	var kwargs map[string]any
	if len(req.Kwargs) > 0 {
		kwargs, _ = fromJSON(req.Kwargs).(map[string]any)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	result, err := t.Call(ctx, args, kwargs)
	if err != nil {
		status, msg := callErrorStatus(err)
		s.logger.Info("api call failed", "task", t.String(), "status", status, "error", err)
		s.writeError(w, status, msg)
		return
	}

	body, err := json.Marshal(toJSON(result))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "result is not representable as JSON")
		return
	}
	respondJSON(w, http.StatusOK, CallResponse{
		Task:       t.String(),
		Result:     body,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

func callErrorStatus(err error) (int, string) {
	var remote *protocol.RemoteError
	switch {
	case errors.As(err, &remote):
		return http.StatusUnprocessableEntity, remote.Message
	case server.IsWorkerLost(err):
		return http.StatusBadGateway, "worker disconnected before completing the task"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timed out waiting for a worker"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "call cancelled"
	case errors.Is(err, server.ErrClosed):
		return http.StatusServiceUnavailable, "server shutting down"
	}
	return http.StatusInternalServerError, err.Error()
}

// handleGetWork handles GET /work/{workID}.
func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	workID := chi.URLParam(r, "workID")
	rec, err := s.journal.Get(r.Context(), workID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "work not found")
			return
		}
		s.logger.Error("failed to get work", "work_id", workID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve work")
		return
	}
	respondJSON(w, http.StatusOK, toWorkResponse(rec))
}

// handleListWork handles GET /work?limit=N, newest first.
func (s *Server) handleListWork(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := defaultWorkListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list work", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list work")
		return
	}

	resp := WorkListResponse{Work: make([]WorkResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Work = append(resp.Work, toWorkResponse(rec))
	}
	resp.Count = len(resp.Work)
	respondJSON(w, http.StatusOK, resp)
}

func toWorkResponse(rec *journal.Record) WorkResponse {
	return WorkResponse{
		WorkID:       rec.WorkID,
		Task:         rec.Task,
		TaskName:     rec.TaskName,
		Client:       rec.Client,
		Status:       string(rec.Status),
		DispatchedAt: rec.DispatchedAt,
		CompletedAt:  rec.CompletedAt,
		LastError:    rec.LastError,
	}
}

// fromJSON turns json.Number into int64 where exact, float64 otherwise, so
// arguments reach workers with the same types a Go caller would send.
func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = fromJSON(e)
		}
		return out
	}
	return v
}

// toJSON rewrites decoded wire values into shapes encoding/json accepts.
func toJSON(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = toJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = toJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = toJSON(e)
		}
		return out
	case codec.Set:
		return toJSON([]any(x))
	}
	return v
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
