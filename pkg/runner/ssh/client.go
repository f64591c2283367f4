package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// client is a Session over golang.org/x/crypto/ssh with file operations
// through SFTP. Privileged writes are staged in /tmp and moved into place
// with sudo.
type client struct {
	config *Config
	logger zerolog.Logger

	conn *ssh.Client

	sftpOnce sync.Once
	sftp     *sftp.Client
	sftpErr  error
}

// Dial is the DialFunc used outside of tests.
func Dial(logger zerolog.Logger) DialFunc {
	return func(ctx context.Context, cfg *Config) (Session, error) {
		return dial(ctx, cfg, logger)
	}
}

func dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	logger.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		c, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- c
	}()

	select {
	case <-ctx.Done():
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	case conn := <-connChan:
		logger.Debug().Str("address", address).Msg("SSH connection established")
		return &client{config: cfg, logger: logger, conn: conn}, nil
	}
}

func (c *client) sftpClient() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftp, c.sftpErr = sftp.NewClient(c.conn)
		if c.sftpErr != nil {
			c.sftpErr = &TransportError{
				Op:          "sftp-init",
				Err:         fmt.Errorf("failed to create SFTP client: %w", c.sftpErr),
				IsTemporary: true,
			}
		}
	})
	return c.sftp, c.sftpErr
}

// Exec runs cmd through sh, wrapped in sudo when become is set.
func (c *client) Exec(ctx context.Context, cmd string, become bool) (*ExecResult, error) {
	return c.exec(ctx, cmd, become, nil)
}

func (c *client) exec(ctx context.Context, cmd string, become bool, stdin []byte) (*ExecResult, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	var input []byte
	if become {
		if c.config.BecomePassword != "" {
			finalCmd = "sudo -S -p '' sh -c " + shellQuote(cmd)
			input = append(input, []byte(c.config.BecomePassword+"\n")...)
		} else {
			finalCmd = "sudo -n sh -c " + shellQuote(cmd)
		}
	}
	input = append(input, stdin...)
	if len(input) > 0 {
		session.Stdin = bytes.NewReader(input)
	}

	start := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	res := &ExecResult{
		Stdout: strings.TrimRight(stdoutBuf.String(), "\n"),
		Stderr: strings.TrimSpace(stderrBuf.String()),
	}

	c.logger.Debug().
		Str("command", cmd).
		Bool("become", become).
		Int("stdout_len", len(res.Stdout)).
		Dur("duration", time.Since(start)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execErr, context.Canceled) {
			return res, &TransportError{Op: "exec", Err: execErr}
		}
		return res, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
	}
	return res, nil
}

func (c *client) Stat(ctx context.Context, p string, become bool) (*FileStat, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	info, err := sc.Stat(p)
	switch {
	case err == nil:
		st := &FileStat{Exists: true, IsDir: info.IsDir(), Mode: info.Mode().Perm(), Size: info.Size()}
		if sys, ok := info.Sys().(*sftp.FileStat); ok {
			st.Owner = strconv.Itoa(int(sys.UID))
			st.Group = strconv.Itoa(int(sys.GID))
		}
		return st, nil
	case errors.Is(err, fs.ErrNotExist):
		return &FileStat{}, nil
	case errors.Is(err, fs.ErrPermission) && become:
		res, err := c.Exec(ctx, "test -e "+shellQuote(p), true)
		if err != nil {
			return nil, err
		}
		return &FileStat{Exists: res.ExitCode == 0}, nil
	default:
		return nil, &TransportError{Op: "stat", Err: err}
	}
}

func (c *client) ReadFile(ctx context.Context, p string, become bool) ([]byte, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(p)
	if err == nil {
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err, IsTemporary: true}
		}
		return data, nil
	}
	if errors.Is(err, fs.ErrPermission) && become {
		res, err := c.Exec(ctx, "cat -- "+shellQuote(p), true)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, &TransportError{Op: "read", Err: errors.New(res.Stderr)}
		}
		return []byte(res.Stdout), nil
	}
	return nil, &TransportError{Op: "read", Err: err}
}

func (c *client) WriteFile(ctx context.Context, p string, data []byte, attrs FileAttrs, become bool) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}

	target := p
	if become {
		target = "/tmp/.boardwalk-" + uuid.NewString()
	}
	f, err := sc.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if !become {
		if attrs.Mode != 0 {
			if err := sc.Chmod(target, attrs.Mode); err != nil {
				return &TransportError{Op: "chmod", Err: err}
			}
		}
		return nil
	}

	cmd := "install" + installFlags(attrs) + " " + shellQuote(target) + " " + shellQuote(p) +
		"; rc=$?; rm -f " + shellQuote(target) + "; exit $rc"
	return c.checked(ctx, "install", cmd)
}

func (c *client) MkdirAll(ctx context.Context, p string, attrs FileAttrs, become bool) error {
	if become {
		return c.checked(ctx, "mkdir", "install -d"+installFlags(attrs)+" "+shellQuote(p))
	}
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(p); err != nil {
		return &TransportError{Op: "mkdir", Err: err}
	}
	if attrs.Mode != 0 {
		if err := sc.Chmod(p, attrs.Mode); err != nil {
			return &TransportError{Op: "chmod", Err: err}
		}
	}
	return nil
}

func (c *client) Remove(ctx context.Context, p string, become bool) error {
	if become {
		return c.checked(ctx, "remove", "rm -rf -- "+shellQuote(p))
	}
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

func (c *client) ReadDir(ctx context.Context, p string, become bool) ([]string, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	entries, err := sc.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &TransportError{Op: "readdir", Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, path.Join(p, e.Name()))
	}
	return names, nil
}

func (c *client) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	return c.conn.Close()
}

func (c *client) checked(ctx context.Context, op, cmd string) error {
	res, err := c.Exec(ctx, cmd, true)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &TransportError{Op: op, Err: fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)}
	}
	return nil
}

func installFlags(attrs FileAttrs) string {
	var b strings.Builder
	if attrs.Mode != 0 {
		fmt.Fprintf(&b, " -m %04o", uint32(attrs.Mode.Perm()))
	}
	if attrs.Owner != "" {
		b.WriteString(" -o " + shellQuote(attrs.Owner))
	}
	if attrs.Group != "" {
		b.WriteString(" -g " + shellQuote(attrs.Group))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
