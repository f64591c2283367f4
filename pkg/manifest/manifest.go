// Package manifest loads a Boardwalkfile.star: the Starlark file declaring
// the jobs, workflows and workspaces available to the boardwalk CLI.
//
// A Boardwalkfile uses four builtins:
//
//	hello = job(name = "Hello", tasks = [{"debug": {"msg": "hello"}}])
//	wf = workflow(name = "HelloWorkflow", jobs = [hello])
//	workspace(name = "Hello", host_pattern = "all", workflow = wf)
//	key = path("files/key.pub")
//
// and may set boardwalkd_url to the coordination server URL.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/boardwalk/boardwalk/pkg/workflow"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

// DefaultFile is the manifest file name looked up in the working directory.
const DefaultFile = "Boardwalkfile.star"

// ErrNotFound is returned when the manifest file does not exist.
var ErrNotFound = errors.New("no " + DefaultFile + " found")

// Manifest is a loaded Boardwalkfile.
type Manifest struct {
	Path string

	// ServerURL is boardwalkd_url, empty when unset.
	ServerURL string

	Workflows *workflow.Registry

	// Workspaces in declaration order.
	Workspaces []*workspace.Config
}

// Load reads and evaluates the manifest at path.
func Load(ctx context.Context, path string, logger zerolog.Logger) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(ctx, path, src, logger)
}

// Parse evaluates manifest source. filename is used for relative paths and
// error positions.
func Parse(ctx context.Context, filename string, src []byte, logger zerolog.Logger) (*Manifest, error) {
	sch, err := newSchema()
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "manifest").Logger()

	dir, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, err
	}
	c := &collector{
		dir:       dir,
		schema:    sch,
		jobs:      map[string]bool{},
		workflows: workflow.NewRegistry(),
	}
	c.newThread = func(name string) *starlark.Thread {
		thread := &starlark.Thread{
			Name: name,
			Print: func(t *starlark.Thread, msg string) {
				logger.Info().Str("thread", t.Name).Msg(msg)
			},
		}
		thread.SetLocal(collectorKey, c)
		return thread
	}

	predeclared := starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"job":       starlark.NewBuiltin("job", builtinJob),
		"workflow":  starlark.NewBuiltin("workflow", builtinWorkflow),
		"workspace": starlark.NewBuiltin("workspace", builtinWorkspace),
		"path":      starlark.NewBuiltin("path", builtinPath),
	}

	thread := c.newThread("manifest")
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, src, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("manifest %s: %s", filename, evalErr.Backtrace())
		}
		return nil, fmt.Errorf("manifest %s: %w", filename, err)
	}

	m := &Manifest{Path: filename, Workflows: c.workflows}
	if v, ok := globals["boardwalkd_url"]; ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("manifest %s: boardwalkd_url must be a string, got %s", filename, v.Type())
		}
		m.ServerURL = s
	}

	seen := map[string]bool{}
	for _, decl := range c.workspaces {
		cfg, err := sch.workspace(decl.fields)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", decl.pos, err)
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("%s: %w: %s", decl.pos, workspace.ErrDuplicateWorkspace, cfg.Name)
		}
		if _, ok := c.workflows.Lookup(cfg.Workflow); !ok {
			return nil, fmt.Errorf("%s: workspace %s uses undefined workflow %q", decl.pos, cfg.Name, cfg.Workflow)
		}
		seen[cfg.Name] = true
		m.Workspaces = append(m.Workspaces, cfg)
	}

	logger.Debug().
		Int("workspaces", len(m.Workspaces)).
		Int("workflows", len(c.workflows.Names())).
		Msg("Manifest loaded")
	return m, nil
}

// Register adds a factory for every workspace to reg.
func (m *Manifest) Register(reg *workspace.Registry) error {
	for _, cfg := range m.Workspaces {
		if err := reg.Register(cfg.Name, func() (*workspace.Config, error) {
			cp := *cfg
			return &cp, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Workflow returns the workflow a workspace runs.
func (m *Manifest) Workflow(cfg *workspace.Config) (*workflow.Workflow, error) {
	wf, ok := m.Workflows.Lookup(cfg.Workflow)
	if !ok {
		return nil, fmt.Errorf("workspace %s uses undefined workflow %q", cfg.Name, cfg.Workflow)
	}
	return wf, nil
}
