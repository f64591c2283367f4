package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/fsutil"
	"github.com/boardwalk/boardwalk/pkg/protocol"
)

// maxWorkspaceEvents is how many events each workspace keeps in the
// statefile.
const maxWorkspaceEvents = 64

const (
	RoleDefault = "default"
	RoleAdmin   = "admin"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrMutexHeld         = errors.New("workspace mutex already held")
	ErrWorkspaceHasMutex = errors.New("workspace has a mutex")
	ErrWorkerAlive       = errors.New("worker was seen too recently")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidRole       = errors.New("invalid role")
)

// ValidRole reports whether role may be granted to a user.
func ValidRole(role string) bool {
	return role == RoleDefault || role == RoleAdmin
}

// User is a UI or API identity.
type User struct {
	Email   string   `json:"email"`
	Enabled bool     `json:"enabled"`
	Roles   []string `json:"roles"`
}

// HasRole reports whether u holds role.
func (u User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// Workspace is the server-side record of one workspace.
type Workspace struct {
	Details    protocol.WorkspaceDetails    `json:"details"`
	LastSeen   *time.Time                   `json:"last_seen"`
	Events     []protocol.WorkspaceEvent    `json:"events"`
	Semaphores protocol.WorkspaceSemaphores `json:"semaphores"`
}

type stateFile struct {
	Workspaces map[string]*Workspace `json:"workspaces"`
	Users      map[string]*User      `json:"users"`
}

// State is the persistent server state. Every mutation is written to disk
// before the lock is released.
type State struct {
	mu    sync.Mutex
	path  string
	clock clock.Clock
	data  stateFile
}

// LoadState reads dir/statefile.json, creating dir and an empty statefile
// when absent.
func LoadState(dir string, clk clock.Clock) (*State, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &State{
		path:  filepath.Join(dir, "statefile.json"),
		clock: clk,
		data: stateFile{
			Workspaces: map[string]*Workspace{},
			Users:      map[string]*User{},
		},
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read statefile: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse statefile %s: %w", s.path, err)
	}
	if s.data.Workspaces == nil {
		s.data.Workspaces = map[string]*Workspace{}
	}
	if s.data.Users == nil {
		s.data.Users = map[string]*User{}
	}
	for _, ws := range s.data.Workspaces {
		ws.Events = trimEvents(ws.Events)
	}
	return s, nil
}

func (s *State) flushLocked() error {
	data, err := json.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("failed to encode statefile: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write statefile: %w", err)
	}
	return nil
}

func trimEvents(events []protocol.WorkspaceEvent) []protocol.WorkspaceEvent {
	if len(events) > maxWorkspaceEvents {
		events = slices.Clone(events[len(events)-maxWorkspaceEvents:])
	}
	return events
}

func (s *State) workspaceLocked(name string) (*Workspace, error) {
	ws, ok := s.data.Workspaces[name]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	return ws, nil
}

func (w *Workspace) clone() Workspace {
	c := *w
	c.Events = slices.Clone(w.Events)
	if w.LastSeen != nil {
		t := *w.LastSeen
		c.LastSeen = &t
	}
	return c
}

// Workspace returns a copy of the named workspace.
func (s *State) Workspace(name string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return Workspace{}, err
	}
	return ws.clone(), nil
}

// Workspaces returns copies of all workspaces keyed by name.
func (s *State) Workspaces() map[string]Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Workspace, len(s.data.Workspaces))
	for name, ws := range s.data.Workspaces {
		out[name] = ws.clone()
	}
	return out
}

// PostDetails stores details, creating the workspace if needed, and stamps
// the last contact time.
func (s *State) PostDetails(name string, details protocol.WorkspaceDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.data.Workspaces[name]
	if !ok {
		ws = &Workspace{}
		s.data.Workspaces[name] = ws
	}
	ws.Details = details
	now := s.clock.Now().UTC()
	ws.LastSeen = &now
	return s.flushLocked()
}

// Heartbeat stamps the last contact time.
func (s *State) Heartbeat(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	ws.LastSeen = &now
	return s.flushLocked()
}

// AppendEvent stamps ev with the receive time and adds it to the workspace
// ring, dropping the oldest event beyond the ring size.
func (s *State) AppendEvent(name string, ev protocol.WorkspaceEvent) (protocol.WorkspaceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return ev, err
	}
	now := s.clock.Now().UTC()
	ev.ReceivedTime = &now
	if ev.CreateTime.IsZero() {
		ev.CreateTime = now
	}
	ws.Events = trimEvents(append(ws.Events, ev))
	return ev, s.flushLocked()
}

// Semaphores returns the coordination flags of a workspace.
func (s *State) Semaphores(name string) (protocol.WorkspaceSemaphores, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return protocol.WorkspaceSemaphores{}, err
	}
	return ws.Semaphores, nil
}

// AcquireMutex sets has_mutex, failing with ErrMutexHeld when it is
// already set.
func (s *State) AcquireMutex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return err
	}
	if ws.Semaphores.HasMutex {
		return ErrMutexHeld
	}
	ws.Semaphores.HasMutex = true
	return s.flushLocked()
}

// ReleaseMutex clears has_mutex.
func (s *State) ReleaseMutex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return err
	}
	ws.Semaphores.HasMutex = false
	return s.flushLocked()
}

// ForceUnlock clears has_mutex only when the worker has not been heard
// from for at least threshold.
func (s *State) ForceUnlock(name string, threshold time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return err
	}
	if ws.LastSeen != nil && s.clock.Now().Sub(*ws.LastSeen) < threshold {
		return ErrWorkerAlive
	}
	ws.Semaphores.HasMutex = false
	return s.flushLocked()
}

// SetCaught sets or clears the caught flag. A non-nil event is stamped
// with the receive time and recorded.
func (s *State) SetCaught(name string, caught bool, event *protocol.WorkspaceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return err
	}
	ws.Semaphores.Caught = caught
	if event != nil {
		now := s.clock.Now().UTC()
		event.ReceivedTime = &now
		ws.Events = trimEvents(append(ws.Events, *event))
	}
	return s.flushLocked()
}

// Delete removes a workspace unless its mutex is held.
func (s *State) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.workspaceLocked(name)
	if err != nil {
		return err
	}
	if ws.Semaphores.HasMutex {
		return ErrWorkspaceHasMutex
	}
	delete(s.data.Workspaces, name)
	return s.flushLocked()
}

// User returns a copy of the user with the given email.
func (s *State) User(email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.data.Users[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(u), nil
}

// Users returns all users ordered by email.
func (s *State) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.data.Users))
	for _, u := range s.data.Users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func cloneUser(u *User) User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	return c
}

// EnsureUser adds an enabled user with the default role unless one exists.
func (s *State) EnsureUser(email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.data.Users[email]; ok {
		return cloneUser(u), nil
	}
	u := &User{Email: email, Enabled: true, Roles: []string{RoleDefault}}
	s.data.Users[email] = u
	return cloneUser(u), s.flushLocked()
}

// BootstrapOwner makes sure the owner exists, is enabled and is an admin.
func (s *State) BootstrapOwner(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.data.Users[email]
	if !ok {
		u = &User{Email: email, Roles: []string{RoleDefault}}
		s.data.Users[email] = u
	}
	u.Enabled = true
	u.Roles = addRole(u.Roles, RoleAdmin)
	return s.flushLocked()
}

// SetUserEnabled enables or disables a user.
func (s *State) SetUserEnabled(email string, enabled bool) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.data.Users[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.Enabled = enabled
	return cloneUser(u), s.flushLocked()
}

// AddRole grants role to a user.
func (s *State) AddRole(email, role string) (User, error) {
	return s.updateRoles(email, role, addRole)
}

// RemoveRole revokes role from a user.
func (s *State) RemoveRole(email, role string) (User, error) {
	return s.updateRoles(email, role, func(roles []string, role string) []string {
		return slices.DeleteFunc(roles, func(r string) bool { return r == role })
	})
}

func (s *State) updateRoles(email, role string, fn func([]string, string) []string) (User, error) {
	if !ValidRole(role) {
		return User{}, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.data.Users[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.Roles = fn(u.Roles, role)
	return cloneUser(u), s.flushLocked()
}

func addRole(roles []string, role string) []string {
	if slices.Contains(roles, role) {
		return roles
	}
	roles = append(roles, role)
	slices.Sort(roles)
	return roles
}
