package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/boardwalk/boardwalk/pkg/audit"
	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/go-chi/chi/v5"
)

type workspaceSummary struct {
	Name       string                       `json:"name"`
	Details    protocol.WorkspaceDetails    `json:"details"`
	LastSeen   *time.Time                   `json:"last_seen"`
	Stale      bool                         `json:"stale"`
	Semaphores protocol.WorkspaceSemaphores `json:"semaphores"`
	LastEvent  *protocol.WorkspaceEvent     `json:"last_event,omitempty"`
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	all := s.state.Workspaces()

	out := make([]workspaceSummary, 0, len(all))
	for name, ws := range all {
		sum := workspaceSummary{
			Name:       name,
			Details:    ws.Details,
			LastSeen:   ws.LastSeen,
			Stale:      ws.LastSeen == nil || now.Sub(*ws.LastSeen) >= s.cfg.StaleThreshold,
			Semaphores: ws.Semaphores,
		}
		if n := len(ws.Events); n > 0 {
			sum.LastEvent = &ws.Events[n-1]
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondJSON(w, http.StatusOK, out)
}

// handleWorkspaceEvents returns the retained events, newest first.
func (s *Server) handleWorkspaceEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := s.state.Workspace(chi.URLParam(r, "workspace"))
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	events := slices.Clone(ws.Events)
	slices.Reverse(events)
	respondJSON(w, http.StatusOK, events)
}

type eventHistory interface {
	ListEvents(ctx context.Context, workspace string, limit, offset int) ([]*audit.WorkspaceEvent, error)
}

// handleWorkspaceHistory pages through every event ever posted to a
// workspace.
func (s *Server) handleWorkspaceHistory(w http.ResponseWriter, r *http.Request) {
	hist, ok := s.audit.(eventHistory)
	if !ok {
		writeError(w, http.StatusNotFound, "event history is not enabled")
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	events, err := hist.ListEvents(r.Context(), chi.URLParam(r, "workspace"), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list event history")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) setCaughtByUser(w http.ResponseWriter, r *http.Request, caught bool) {
	name := chi.URLParam(r, "workspace")
	u, _ := CurrentUser(r.Context())

	verb, action := "released", audit.ActionWorkspaceFree
	if caught {
		verb, action = "caught", audit.ActionWorkspaceCatch
	}
	ev := protocol.NewEvent(protocol.SeverityInfo, fmt.Sprintf("Workspace %s by %s", verb, u.Email))
	if err := s.state.SetCaught(name, caught, &ev); err != nil {
		s.writeStateError(w, err)
		return
	}
	s.recordEvent(r, name, ev)
	s.recordAudit(r, action, u.Email, &name, nil)
	respondJSON(w, http.StatusOK, map[string]any{"workspace": name, "caught": caught})
}

func (s *Server) handleUICatch(w http.ResponseWriter, r *http.Request) {
	s.setCaughtByUser(w, r, true)
}

func (s *Server) handleUIRelease(w http.ResponseWriter, r *http.Request) {
	s.setCaughtByUser(w, r, false)
}

// handleForceUnlock clears a mutex left behind by a worker that stopped
// sending heartbeats.
func (s *Server) handleForceUnlock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workspace")
	u, _ := CurrentUser(r.Context())

	if err := s.state.ForceUnlock(name, s.cfg.StaleThreshold); err != nil {
		if errors.Is(err, ErrWorkerAlive) {
			s.tel.Metrics.RecordForcedUnlock("refused")
		}
		s.writeStateError(w, err)
		return
	}
	s.tel.Metrics.RecordForcedUnlock("unlocked")
	s.recordAudit(r, audit.ActionWorkspaceUnlock, u.Email, &name, nil)
	w.Header().Set("HX-Refresh", "true")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workspace")
	u, _ := CurrentUser(r.Context())

	if err := s.state.Delete(name); err != nil {
		s.writeStateError(w, err)
		return
	}
	s.tel.Metrics.SetWorkspaces(len(s.state.Workspaces()))
	s.recordAudit(r, audit.ActionWorkspaceDelete, u.Email, &name, nil)
	w.Header().Set("HX-Refresh", "true")
	w.WriteHeader(http.StatusOK)
}

type usersResponse struct {
	Users       []User   `json:"users"`
	CurrentUser string   `json:"current_user"`
	Owner       string   `json:"owner"`
	ValidRoles  []string `json:"valid_roles"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	u, _ := CurrentUser(r.Context())
	respondJSON(w, http.StatusOK, usersResponse{
		Users:       s.state.Users(),
		CurrentUser: u.Email,
		Owner:       s.cfg.Owner,
		ValidRoles:  []string{RoleAdmin, RoleDefault},
	})
}

func (s *Server) handleEnableUser(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "user")
	cur, _ := CurrentUser(r.Context())

	u, err := s.state.SetUserEnabled(target, true)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionUserEnable, cur.Email, &target, nil)
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleDisableUser(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "user")
	cur, _ := CurrentUser(r.Context())

	if target == cur.Email || target == s.cfg.Owner {
		writeError(w, http.StatusNotAcceptable, "cannot disable yourself or the owner")
		return
	}
	u, err := s.state.SetUserEnabled(target, false)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionUserDisable, cur.Email, &target, nil)
	respondJSON(w, http.StatusOK, u)
}

// roleArgument reads and checks the role argument, writing the error
// response when it cannot be used.
func roleArgument(w http.ResponseWriter, r *http.Request) (string, bool) {
	role := r.FormValue("role")
	switch {
	case role == "":
		writeError(w, http.StatusUnprocessableEntity, "role argument missing")
		return "", false
	case role == RoleDefault:
		writeError(w, http.StatusNotAcceptable, "the default role cannot be modified")
		return "", false
	}
	return role, true
}

func (s *Server) handleAddRole(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "user")
	cur, _ := CurrentUser(r.Context())

	role, ok := roleArgument(w, r)
	if !ok {
		return
	}
	u, err := s.state.AddRole(target, role)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionRoleAdd, cur.Email, &target, map[string]string{"role": role})
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "user")
	cur, _ := CurrentUser(r.Context())

	role, ok := roleArgument(w, r)
	if !ok {
		return
	}
	if role == RoleAdmin && (target == cur.Email || target == s.cfg.Owner) {
		writeError(w, http.StatusNotAcceptable, "cannot remove admin from yourself or the owner")
		return
	}
	u, err := s.state.RemoveRole(target, role)
	if err != nil {
		s.writeStateError(w, err)
		return
	}
	s.recordAudit(r, audit.ActionRoleRemove, cur.Email, &target, map[string]string{"role": role})
	respondJSON(w, http.StatusOK, u)
}
