// Package client talks to the boardwalkd coordination server on behalf of a
// worker: workspace mutex and catch semaphores, details, heartbeats, the
// ordered event queue and the interactive API login.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is how often a running worker reports liveness.
const DefaultHeartbeatInterval = 5 * time.Second

var (
	// ErrWorkspaceNotFound means the server has no record of the workspace.
	ErrWorkspaceNotFound = errors.New("workspace not found on server")

	// ErrWorkspaceHasMutex means another worker holds the workspace mutex.
	ErrWorkspaceHasMutex = errors.New("workspace is locked on server")

	// ErrForbidden means the server refused the caller's identity.
	ErrForbidden = errors.New("server refused authentication")
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is maps status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrWorkspaceNotFound:
		return e.Code == http.StatusNotFound
	case ErrWorkspaceHasMutex:
		return e.Code == http.StatusConflict
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	}
	return false
}

// UnreachableError wraps a transport failure: the request never produced a
// response.
type UnreachableError struct {
	URL string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("unable to reach %s: %v", e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err means the server could not be reached.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// Options configure a Client. The zero value is usable.
type Options struct {
	// HTTPClient performs requests; defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Tokens persists the API token between runs. Nil keeps it in memory.
	Tokens TokenStore

	// Prompt shows the login URL to the operator. Defaults to printing
	// "Log in at <url>" to stderr.
	Prompt func(loginURL string)

	// Dialer opens the login socket; defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Clock drives the heartbeat interval.
	Clock clock.Clock

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	Logger zerolog.Logger
}

// Client is a boardwalkd API client.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenStore
	prompt func(string)
	dialer *websocket.Dialer
	clock  clock.Clock
	beat   time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	token string

	loginMu sync.Mutex
}

// New returns a client for the server at serverURL.
func New(serverURL string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", serverURL)
	}

	c := &Client{
		base:   base,
		http:   opts.HTTPClient,
		tokens: opts.Tokens,
		prompt: opts.Prompt,
		dialer: opts.Dialer,
		clock:  opts.Clock,
		beat:   opts.HeartbeatInterval,
		logger: opts.Logger.With().Str("component", "client").Logger(),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.prompt == nil {
		c.prompt = func(u string) { fmt.Fprintf(os.Stderr, "Log in at %s\n", u) }
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.beat <= 0 {
		c.beat = DefaultHeartbeatInterval
	}
	if c.tokens != nil {
		tok, err := c.tokens.Load()
		if err != nil {
			return nil, err
		}
		c.token = tok
	}
	return c, nil
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.base.String() }

// Workspace returns a client bound to one workspace.
func (c *Client) Workspace(name string) *WorkspaceClient {
	return &WorkspaceClient{client: c, name: name}
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// call is one API request. body is either nil, a string sent as plain
// text, or a value encoded as JSON.
type call struct {
	method string
	path   string
	query  url.Values
	body   any
	out    any

	// noLogin disables the interactive re-login on 403.
	noLogin bool
}

func (c *Client) do(ctx context.Context, req call) error {
	err := c.send(ctx, req)
	if req.noLogin || !errors.Is(err, ErrForbidden) {
		return err
	}

	c.logger.Warn().Str("path", req.path).Msg("Server refused the API token, logging in again")
	if err := c.Login(ctx); err != nil {
		return err
	}
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req call) error {
	u := c.base.JoinPath("/api", req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}
	target := u.String()

	var (
		body        io.Reader
		contentType string
	)
	switch b := req.body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if tok := c.currentToken(); tok != "" {
		httpReq.Header.Set(protocol.TokenHeader, tok)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &UnreachableError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("method", req.method).Str("url", target).Int("status", resp.StatusCode).Msg("API request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: req.method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if req.out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(req.out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", target, err)
	}
	return nil
}
