package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/boardwalk/boardwalk/pkg/audit"
	"github.com/boardwalk/boardwalk/pkg/notify"
	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// writeStateError maps state errors to status codes.
func (s *Server) writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrWorkspaceNotFound), errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrMutexHeld):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrWorkspaceHasMutex), errors.Is(err, ErrWorkerAlive):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, ErrInvalidRole):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error().Err(err).Msg("State update failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON document into v, answering 415 for malformed
// JSON and 422 for invalid documents. It reports whether decoding
// succeeded.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := protocol.Decode(data, v); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return false
		}
		s.logger.Error().Err(err).Msg("Rejected invalid document")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

// parseBool accepts the usual spellings of a boolean flag. Anything else is
// false.
func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "y", "yes", "t", "true", "on":
		return true
	}
	return false
}

func (s *Server) handleGetDetails(w http.ResponseWriter, r *http.Request) {
	ws, err := s.state.Workspace(chi.URLParam(r, "workspace"))
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws.Details)
}

func (s *Server) handlePostDetails(w http.ResponseWriter, r *http.Request) {
	var details protocol.WorkspaceDetails
	if !s.decodeBody(w, r, &details) {
		return
	}
	if err := s.state.PostDetails(chi.URLParam(r, "workspace"), details); err != nil {
		s.writeStateError(w, err)
		return
	}
	s.tel.Metrics.SetWorkspaces(len(s.state.Workspaces()))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.state.Heartbeat(chi.URLParam(r, "workspace")); err != nil {
		s.writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workspace")
	broadcast := parseBool(r.URL.Query().Get("broadcast"))

	var ev protocol.WorkspaceEvent
	if !s.decodeBody(w, r, &ev) {
		return
	}
	ev, err := s.state.AppendEvent(name, ev)
	if err != nil {
		s.writeStateError(w, err)
		return
	}

	s.logger.Info().
		Str("remote_ip", r.RemoteAddr).
		Str("workspace", name).
		Str("severity", string(ev.Severity)).
		Msgf("worker_event: %s %s %s %s", r.RemoteAddr, name, ev.Severity, ev.Message)
	s.tel.Metrics.RecordWorkspaceEvent(string(ev.Severity))
	s.recordEvent(r, name, ev)

	if broadcast && s.publisher != nil {
		result := "queued"
		if err := s.publisher.Publish(notify.Broadcast{
			Workspace: name,
			Event:     ev,
			ServerURL: s.cfg.URL,
		}); err != nil {
			s.logger.Warn().Err(err).Str("workspace", name).Msg("Broadcast dropped")
			result = "dropped"
		}
		s.tel.Metrics.RecordBroadcast(result)
	}
	w.WriteHeader(http.StatusOK)
}

// recordEvent copies an event into the long-term history when the audit
// store keeps one.
func (s *Server) recordEvent(r *http.Request, workspace string, ev protocol.WorkspaceEvent) {
	if s.audit == nil {
		return
	}
	rec := &audit.WorkspaceEvent{
		Workspace:  workspace,
		Severity:   string(ev.Severity),
		Message:    ev.Message,
		CreateTime: ev.CreateTime,
	}
	if ev.ReceivedTime != nil {
		rec.ReceivedTime = *ev.ReceivedTime
	}
	if ip := r.RemoteAddr; ip != "" {
		rec.RemoteIP = &ip
	}
	if err := s.audit.RecordEvent(r.Context(), rec); err != nil {
		s.logger.Warn().Err(err).Str("workspace", workspace).Msg("Failed to record event history")
	}
}

func (s *Server) handleGetSemaphores(w http.ResponseWriter, r *http.Request) {
	sem, err := s.state.Semaphores(chi.URLParam(r, "workspace"))
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sem)
}

func (s *Server) handleAPICatch(w http.ResponseWriter, r *http.Request) {
	if err := s.state.SetCaught(chi.URLParam(r, "workspace"), true, nil); err != nil {
		s.writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAPIRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.state.SetCaught(chi.URLParam(r, "workspace"), false, nil); err != nil {
		s.writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAcquireMutex(w http.ResponseWriter, r *http.Request) {
	err := s.state.AcquireMutex(chi.URLParam(r, "workspace"))
	switch {
	case err == nil:
		s.tel.Metrics.RecordMutexRequest("acquired")
	case errors.Is(err, ErrMutexHeld):
		s.tel.Metrics.RecordMutexRequest("conflict")
		s.writeStateError(w, err)
		return
	default:
		s.writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReleaseMutex(w http.ResponseWriter, r *http.Request) {
	if err := s.state.ReleaseMutex(chi.URLParam(r, "workspace")); err != nil {
		s.writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
