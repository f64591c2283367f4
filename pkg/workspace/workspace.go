package workspace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/boardwalk/boardwalk/pkg/fsutil"
	"github.com/rs/zerolog"
)

const (
	stateFileName = "statefile.json"
	mutexFileName = "workspace.mutex"
	catchFileName = "catch.lock"
	retryFileName = "init.retry"
)

// Workspace is the on-disk handle of one workspace. Obtain it through
// Registry.Open; it is not safe to construct two handles for the same
// directory in one process.
type Workspace struct {
	cfg    *Config
	path   string
	logger zerolog.Logger

	mu    sync.Mutex
	state *LocalState
}

// open loads or creates the workspace directory and its state.
func open(dir string, cfg *Config, logger zerolog.Logger) (*Workspace, error) {
	path := filepath.Join(dir, cfg.Name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	ws := &Workspace{
		cfg:    cfg,
		path:   path,
		logger: logger.With().Str("workspace", cfg.Name).Logger(),
	}
	if err := ws.load(); err != nil {
		return nil, err
	}
	return ws, nil
}

// load reads statefile.json, creating an empty state seeded with the
// configured host pattern when none exists.
func (w *Workspace) load() error {
	data, err := os.ReadFile(w.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		w.state = NewLocalState(w.cfg.HostPattern)
		return w.Flush()
	}
	if err != nil {
		return fmt.Errorf("failed to read statefile: %w", err)
	}

	state := &LocalState{}
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to parse statefile %s: %w", w.statePath(), err)
	}
	if state.Hosts == nil {
		state.Hosts = map[string]*Host{}
	}
	w.state = state
	return nil
}

// Name returns the workspace name.
func (w *Workspace) Name() string { return w.cfg.Name }

// Config returns the workspace configuration.
func (w *Workspace) Config() *Config { return w.cfg }

// Path returns the workspace directory.
func (w *Workspace) Path() string { return w.path }

// State returns the in-memory local state. Callers mutate it and then Flush.
func (w *Workspace) State() *LocalState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Flush writes the full state to a temporary file in the workspace
// directory and renames it over statefile.json.
func (w *Workspace) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(w.state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(w.statePath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to flush workspace state: %w", err)
	}
	w.logger.Debug().Int("hosts", len(w.state.Hosts)).Msg("Workspace state flushed")
	return nil
}

// Reset replaces the local state with an empty one for the configured host
// pattern. It takes the mutex for the duration so a running workspace is
// never reset underneath its worker.
func (w *Workspace) Reset() error {
	if err := w.Mutex(); err != nil {
		return err
	}
	defer func() {
		if err := w.Unmutex(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to remove workspace mutex after reset")
		}
	}()

	w.mu.Lock()
	w.state = NewLocalState(w.cfg.HostPattern)
	w.mu.Unlock()
	return w.Flush()
}

// AssertHostPatternUnchanged fails when the configured pattern differs from
// the pattern recorded in state.
func (w *Workspace) AssertHostPatternUnchanged() error {
	state := w.State()
	if w.cfg.HostPattern != state.HostPattern {
		return fmt.Errorf("%w: it was %q but is now %q; run `boardwalk workspace reset` and then `boardwalk init`, or change it back",
			ErrHostPatternChanged, state.HostPattern, w.cfg.HostPattern)
	}
	return nil
}

// Mutex creates the workspace mutex marker. Creation is exclusive, so two
// processes can never both succeed.
func (w *Workspace) Mutex() error {
	f, err := os.OpenFile(w.markerPath(mutexFileName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrWorkspaceLocked
	}
	if err != nil {
		return fmt.Errorf("failed to create workspace mutex: %w", err)
	}
	return f.Close()
}

// Unmutex removes the mutex marker. Removing an absent marker is not an error.
func (w *Workspace) Unmutex() error {
	return removeIfExists(w.markerPath(mutexFileName))
}

// HasMutex reports whether the mutex marker exists.
func (w *Workspace) HasMutex() bool {
	return exists(w.markerPath(mutexFileName))
}

// Catch sets the local catch marker.
func (w *Workspace) Catch() error {
	f, err := os.OpenFile(w.markerPath(catchFileName), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to catch workspace: %w", err)
	}
	return f.Close()
}

// Release removes the local catch marker, if any.
func (w *Workspace) Release() error {
	return removeIfExists(w.markerPath(catchFileName))
}

// Caught reports whether the local catch marker exists.
func (w *Workspace) Caught() bool {
	return exists(w.markerPath(catchFileName))
}

// RetryPath returns the path of the workspace retry file.
func (w *Workspace) RetryPath() string {
	return filepath.Join(w.path, retryFileName)
}

// AppendRetry appends a host to the retry file.
func (w *Workspace) AppendRetry(host string) error {
	f, err := os.OpenFile(w.RetryPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open retry file: %w", err)
	}
	if _, err := fmt.Fprintln(f, host); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write retry file: %w", err)
	}
	return f.Close()
}

// ReadRetry returns the distinct hosts listed in the retry file, in order.
func (w *Workspace) ReadRetry() ([]string, error) {
	f, err := os.Open(w.RetryPath())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := map[string]bool{}
	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		h := strings.TrimSpace(scanner.Text())
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts, scanner.Err()
}

// ClearRetry removes the retry file.
func (w *Workspace) ClearRetry() error {
	return removeIfExists(w.RetryPath())
}

func (w *Workspace) statePath() string {
	return filepath.Join(w.path, stateFileName)
}

func (w *Workspace) markerPath(name string) string {
	return filepath.Join(w.path, name)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
