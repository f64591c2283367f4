package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/boardwalk/boardwalk/pkg/fsutil"
	"github.com/boardwalk/boardwalk/pkg/protocol"
)

// TokenStore persists the API token.
type TokenStore interface {
	// Load returns the stored token, or "" when there is none.
	Load() (string, error)
	Save(token string) error
}

// FileTokenStore keeps the token in a single file readable only by the
// current user.
type FileTokenStore struct {
	Path string
}

// DefaultTokenPath returns <user config dir>/boardwalk/api_token.
func DefaultTokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(dir, "boardwalk", "api_token"), nil
}

func (s FileTokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read API token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s FileTokenStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.Path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to save API token: %w", err)
	}
	return nil
}

// Login runs the interactive login: it opens the login socket, shows the
// login URL the server sends, waits for the operator to complete the
// browser flow and stores the token the server pushes back.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	u := c.base.JoinPath("/api/auth/login/socket")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &UnreachableError{URL: u.String(), Err: err}
	}
	defer conn.Close()

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg protocol.LoginMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("login socket closed before a token was received: %w", err)
		}
		switch {
		case msg.Token != "":
			c.mu.Lock()
			c.token = msg.Token
			c.mu.Unlock()
			if c.tokens != nil {
				if err := c.tokens.Save(msg.Token); err != nil {
					return err
				}
			}
			c.logger.Info().Msg("Logged in to boardwalkd")
			return nil
		case msg.LoginURL != "":
			c.prompt(msg.LoginURL)
		}
	}
}
