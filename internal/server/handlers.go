package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/sandboxd/internal/lifecycle"
	"github.com/michaelbrown/sandboxd/internal/sandbox"
	"github.com/michaelbrown/sandboxd/internal/storage"
)

// errorDetailLimit bounds the detail of runtime failures.
const errorDetailLimit = 1000

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeError maps a flow error to its status and a {"detail": ...} body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch sandbox.KindOf(err) {
	case sandbox.KindNotFound:
		writeDetail(w, http.StatusNotFound, err.Error())
	case sandbox.KindBadRequest:
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, sandbox.Tail(err.Error(), errorDetailLimit))
	}
}

// decodeJSON decodes the body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- Sandbox handlers ---

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req := lifecycle.DefaultStartRequest()
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.mgr.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type logsResponse struct {
	Logs string `json:"logs"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "container_id")

	tail := s.opts.DefaultTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "tail must be an integer")
			return
		}
		tail = n
	}

	logs, err := s.mgr.Logs(r.Context(), id, tail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

type lintResponse struct {
	LintResult string `json:"lint_result"`
	Source     string `json:"source"`
	ExitCode   int    `json:"exit_code"`
}

func (s *Server) handleLint(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.LintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.mgr.Lint(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lintResponse{
		LintResult: res.Output,
		Source:     res.Source,
		ExitCode:   res.ExitCode,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.mgr.Stop(r.Context(), chi.URLParam(r, "container_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Operational handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{Op: r.URL.Query().Get("op")}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	events, err := s.mgr.Events(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
