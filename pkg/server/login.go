package server

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	loginIDLength   = 16
	loginIDChars    = "abcdefghijklmnopqrstuvwxyz0123456789"
	loginPingPeriod = 10 * time.Second
	loginWriteWait  = 10 * time.Second
)

var errLoginClientNotFound = errors.New("login client not found")

type loginClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *loginClient) write(fn func(*websocket.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(loginWriteWait))
	return fn(c.conn)
}

// loginHub tracks CLI login sockets waiting for a token.
type loginHub struct {
	mu       sync.Mutex
	clients  map[string]*loginClient
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func newLoginHub(logger zerolog.Logger) *loginHub {
	return &loginHub{
		clients: map[string]*loginClient{},
		logger:  logger,
	}
}

func randomLoginID() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(loginIDChars)))
	for range loginIDLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(loginIDChars[n.Int64()])
	}
	return b.String(), nil
}

func (h *loginHub) register(c *loginClient) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		id, err := randomLoginID()
		if err != nil {
			return "", err
		}
		if _, taken := h.clients[id]; !taken {
			h.clients[id] = c
			return id, nil
		}
	}
}

func (h *loginHub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *loginHub) send(id string, msg protocol.LoginMessage) error {
	h.mu.Lock()
	c, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		return errLoginClientNotFound
	}
	return c.write(func(conn *websocket.Conn) error { return conn.WriteJSON(msg) })
}

func (h *loginHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleLoginSocket gives the CLI a login URL to open in a browser and
// keeps the socket open until the token is delivered or the client leaves.
func (s *Server) handleLoginSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.logins.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Login socket upgrade failed")
		return
	}
	defer conn.Close()

	client := &loginClient{conn: conn}
	id, err := s.logins.register(client)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to allocate login client id")
		return
	}
	defer func() {
		s.logins.unregister(id)
		s.logger.Info().Str("client", id).Msg("Login client closed")
	}()
	s.logger.Info().Str("client", id).Msg("Login client opened")

	loginURL := s.baseURL.JoinPath("/api/auth/login").String() + "?id=" + id
	if err := client.write(func(c *websocket.Conn) error {
		return c.WriteJSON(protocol.LoginMessage{LoginURL: loginURL})
	}); err != nil {
		return
	}

	conn.SetPongHandler(func(string) error {
		s.logger.Debug().Str("client", id).Msg("Login client pong received")
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := s.clock.NewTicker(loginPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := client.write(func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.PingMessage, nil)
			}); err != nil {
				return
			}
		}
	}
}
