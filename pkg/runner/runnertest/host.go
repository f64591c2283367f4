// Package runnertest provides in-memory hosts for exercising the SSH task
// runner without a network, and a request recorder for any runner.Runner.
package runnertest

import (
	"context"
	"errors"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/boardwalk/boardwalk/pkg/runner/ssh"
)

// File is a file or directory on a simulated host.
type File struct {
	Data  []byte
	Attrs ssh.FileAttrs
	Dir   bool
}

// Host is a simulated machine. It implements ssh.Session.
type Host struct {
	mu sync.Mutex

	Name   string
	System string

	files       map[string]*File
	commands    []string
	scripts     map[string][]int
	unreachable []bool
	down        bool
}

// NewHost creates an empty Linux host.
func NewHost(name string) *Host {
	return &Host{
		Name:    name,
		System:  "Linux",
		files:   map[string]*File{},
		scripts: map[string][]int{},
	}
}

// PutFile places a file on the host.
func (h *Host) PutFile(p string, data []byte, mode os.FileMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = &File{Data: append([]byte(nil), data...), Attrs: ssh.FileAttrs{Mode: mode}}
}

// File returns a copy of the file at p.
func (h *Host) File(p string) (*File, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok {
		return nil, false
	}
	cp := *f
	cp.Data = append([]byte(nil), f.Data...)
	return &cp, true
}

// Commands returns the commands executed so far, excluding fact gathering.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Script sets the exit codes returned by successive runs of commands
// containing substr. The last code repeats.
func (h *Host) Script(substr string, codes ...int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts[substr] = codes
}

// SetDown makes every connection attempt fail.
func (h *Host) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

// DropConnections makes successive connections fail (true) or succeed
// (false) in order; once exhausted the host is reachable.
func (h *Host) DropConnections(seq ...bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable = seq
}

func (h *Host) connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return &ssh.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}
	}
	if len(h.unreachable) > 0 {
		drop := h.unreachable[0]
		h.unreachable = h.unreachable[1:]
		if drop {
			return &ssh.TransportError{Op: "connect", Err: errors.New("connection timed out"), IsTemporary: true}
		}
	}
	return nil
}

func (h *Host) Exec(_ context.Context, cmd string, _ bool) (*ssh.ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if strings.Contains(cmd, "uname -s") {
		return &ssh.ExecResult{Stdout: "system=" + h.System + "\nkernel=6.1.0\nmachine=x86_64\nhostname=" + h.Name +
			"\nnproc=2\nmemtotal_kb=1048576\nos_ID=debian\nos_VERSION_ID=\"12\""}, nil
	}
	h.commands = append(h.commands, cmd)
	for substr, codes := range h.scripts {
		if !strings.Contains(cmd, substr) || len(codes) == 0 {
			continue
		}
		code := codes[0]
		if len(codes) > 1 {
			h.scripts[substr] = codes[1:]
		}
		return &ssh.ExecResult{ExitCode: code, Stderr: "scripted failure"}, nil
	}
	return &ssh.ExecResult{}, nil
}

func (h *Host) Stat(_ context.Context, p string, _ bool) (*ssh.FileStat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok {
		return &ssh.FileStat{}, nil
	}
	return &ssh.FileStat{
		Exists: true,
		IsDir:  f.Dir,
		Mode:   f.Attrs.Mode,
		Size:   int64(len(f.Data)),
		Owner:  f.Attrs.Owner,
		Group:  f.Attrs.Group,
	}, nil
}

func (h *Host) ReadFile(_ context.Context, p string, _ bool) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok || f.Dir {
		return nil, &ssh.TransportError{Op: "read", Err: os.ErrNotExist}
	}
	return append([]byte(nil), f.Data...), nil
}

func (h *Host) WriteFile(_ context.Context, p string, data []byte, attrs ssh.FileAttrs, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.files[path.Dir(p)]; !ok && path.Dir(p) != "/" && strings.HasPrefix(p, "/etc/ansible") {
		return &ssh.TransportError{Op: "upload", Err: os.ErrNotExist}
	}
	h.files[p] = &File{Data: append([]byte(nil), data...), Attrs: attrs}
	return nil
}

func (h *Host) MkdirAll(_ context.Context, p string, attrs ssh.FileAttrs, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for dir := p; dir != "/" && dir != "."; dir = path.Dir(dir) {
		if _, ok := h.files[dir]; !ok {
			h.files[dir] = &File{Dir: true, Attrs: attrs}
		}
	}
	return nil
}

func (h *Host) Remove(_ context.Context, p string, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range h.files {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(h.files, name)
		}
	}
	return nil
}

func (h *Host) ReadDir(_ context.Context, dir string, _ bool) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for p := range h.files {
		if path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (h *Host) Close() error { return nil }
