package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ActiveWorkspaceEnv overrides the active workspace file when set.
const ActiveWorkspaceEnv = "BOARDWALK_WORKSPACE"

const activeFileName = "active_workspace.txt"

// Factory builds the configuration of one workspace.
type Factory func() (*Config, error)

// Registry is the table of declared workspaces. It is built once at startup
// and looked up by name.
type Registry struct {
	dir    string
	logger zerolog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	opened    map[string]*Workspace
}

// NewRegistry returns an empty registry rooted at dir, usually
// .boardwalk/workspaces.
func NewRegistry(dir string, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:       dir,
		logger:    logger.With().Str("component", "workspace-registry").Logger(),
		factories: make(map[string]Factory),
		opened:    make(map[string]*Workspace),
	}
}

// Dir returns the directory holding all workspaces.
func (r *Registry) Dir() string { return r.dir }

// Register adds a workspace factory. Registering a name twice fails.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkspace, name)
	}
	r.factories[name] = f
	return nil
}

// Names returns every registered workspace name in ascending order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[name]
	return ok
}

// Open returns the workspace named name, creating its directory and state on
// first use. Later calls return the same handle.
func (r *Registry) Open(name string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.opened[name]; ok {
		return ws, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkspaceNotFound, name)
	}
	cfg, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to configure workspace %s: %w", name, err)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ws, err := open(r.dir, cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.opened[name] = ws
	return ws, nil
}

// ActiveName returns the active workspace name from the environment or the
// active workspace file.
func (r *Registry) ActiveName() (string, error) {
	if name := os.Getenv(ActiveWorkspaceEnv); name != "" {
		return name, nil
	}
	data, err := os.ReadFile(filepath.Join(r.dir, activeFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoActiveWorkspace
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active workspace: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", ErrNoActiveWorkspace
	}
	return name, nil
}

// Active opens the active workspace.
func (r *Registry) Active() (*Workspace, error) {
	name, err := r.ActiveName()
	if err != nil {
		return nil, err
	}
	return r.Open(name)
}

// Use makes name the active workspace. It refuses while the currently active
// workspace holds its mutex.
func (r *Registry) Use(name string) error {
	current, err := r.Active()
	switch {
	case err == nil:
		if current.HasMutex() {
			return fmt.Errorf("%w: `boardwalk workspace use` cannot be called while the workspace is locked", ErrWorkspaceLocked)
		}
	case errors.Is(err, ErrNoActiveWorkspace), errors.Is(err, ErrWorkspaceNotFound):
	default:
		return err
	}

	if !r.Exists(name) {
		return fmt.Errorf("%w: %q is not defined; list workspaces with `boardwalk workspace list`", ErrWorkspaceNotFound, name)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspaces directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, activeFileName), []byte(name), 0o644); err != nil {
		return fmt.Errorf("failed to write active workspace: %w", err)
	}
	r.logger.Debug().Str("workspace", name).Msg("Active workspace changed")

	_, err = r.Open(name)
	return err
}
