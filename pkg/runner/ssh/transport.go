package ssh

import (
	"context"
	"os"
)

// Session is an open connection to one host. The modules are written
// against it; the SSH implementation lives in client.go.
type Session interface {
	// Exec runs a shell command. A non-zero exit status is reported in
	// ExecResult, not as an error.
	Exec(ctx context.Context, cmd string, become bool) (*ExecResult, error)

	// Stat reports file metadata; a missing file yields Exists false.
	Stat(ctx context.Context, path string, become bool) (*FileStat, error)

	ReadFile(ctx context.Context, path string, become bool) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, attrs FileAttrs, become bool) error
	MkdirAll(ctx context.Context, path string, attrs FileAttrs, become bool) error
	Remove(ctx context.Context, path string, become bool) error

	// ReadDir lists the names in a directory; a missing directory is empty.
	ReadDir(ctx context.Context, path string, become bool) ([]string, error)

	Close() error
}

// DialFunc opens a Session to the host described by cfg.
type DialFunc func(ctx context.Context, cfg *Config) (Session, error)

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileStat describes a remote file.
type FileStat struct {
	Exists bool
	IsDir  bool
	Mode   os.FileMode
	Size   int64
	Owner  string
	Group  string
}

// FileAttrs are the attributes applied when writing a file. Empty owner or
// group leave the default.
type FileAttrs struct {
	Mode  os.FileMode
	Owner string
	Group string
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the connection itself failed and the host
	// should be treated as unreachable.
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is a connectivity failure.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
