// Package server implements boardwalkd, the coordination server workers
// report to. It tracks one record per workspace: who is running it, whether
// it holds the mutex, whether an operator caught it and its recent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/boardwalk/boardwalk/pkg/audit"
	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/boardwalk/boardwalk/pkg/notify"
	"github.com/boardwalk/boardwalk/pkg/policy"
	"github.com/boardwalk/boardwalk/pkg/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

// Publisher queues broadcasts for delivery.
type Publisher interface {
	Publish(b notify.Broadcast) error
}

// Options carries the collaborators of a Server. Nil fields get defaults:
// a real clock, no audit trail, no broadcasts, the built-in policies and
// no-op telemetry.
type Options struct {
	Clock     clock.Clock
	Audit     audit.Recorder
	Publisher Publisher
	Policy    *policy.Engine
	Telemetry *telemetry.Telemetry
}

// Server is the boardwalkd HTTP server.
type Server struct {
	cfg         Config
	baseURL     *url.URL
	hostPattern *regexp.Regexp

	state     *State
	signer    *Signer
	policy    *policy.Engine
	audit     audit.Recorder
	publisher Publisher
	logins    *loginHub
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	clock     clock.Clock

	oauth       *oauth2.Config
	userinfoURL string

	handler http.Handler
}

// New validates cfg, bootstraps the owner account and builds the router.
func New(cfg Config, state *State, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	hostPattern, err := regexp.Compile(cfg.HostHeaderPattern)
	if err != nil {
		return nil, fmt.Errorf("host header pattern invalid: %w", err)
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	logger := opts.Telemetry.Logger.Zerolog().With().Str("component", "server").Logger()
	if opts.Policy == nil {
		opts.Policy, err = policy.NewEngine(logger)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:         cfg,
		baseURL:     baseURL,
		hostPattern: hostPattern,
		state:       state,
		signer:      NewSigner(cfg.signingKey(), cfg.AuthExpiry, opts.Clock),
		policy:      opts.Policy,
		audit:       opts.Audit,
		publisher:   opts.Publisher,
		logins:      newLoginHub(logger),
		tel:         opts.Telemetry,
		logger:      logger,
		clock:       opts.Clock,
		userinfoURL: googleUserinfoURL,
	}
	if cfg.AuthMethod == AuthGoogleOAuth {
		s.oauth = newGoogleOAuthConfig(cfg)
	}

	if err := state.BootstrapOwner(cfg.Owner); err != nil {
		return nil, fmt.Errorf("failed to bootstrap owner: %w", err)
	}
	s.tel.Metrics.SetWorkspaces(len(state.Workspaces()))

	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Signer returns the token signer, for issuing tokens out of band.
func (s *Server) Signer() *Signer {
	return s.signer
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.hostGuard)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.tel.Metrics.Handler())

	switch s.cfg.AuthMethod {
	case AuthGoogleOAuth:
		r.Get("/auth/login", s.handleGoogleLogin)
	default:
		r.Get("/auth/login", s.handleAnonymousLogin)
	}

	// Browser endpoints.
	r.Group(func(r chi.Router) {
		r.Use(s.uiAuth)

		r.With(s.authorize(policy.ActionWorkspaceRead)).Get("/", s.handleListWorkspaces)
		r.With(s.authorize(policy.ActionWorkspaceRead)).Get("/workspaces", s.handleListWorkspaces)
		r.With(s.authorize(policy.ActionWorkspaceRead)).Get("/workspace/{workspace}/events", s.handleWorkspaceEvents)
		r.With(s.authorize(policy.ActionWorkspaceRead)).Get("/workspace/{workspace}/events/history", s.handleWorkspaceHistory)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Post("/workspace/{workspace}/semaphores/caught", s.handleUICatch)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Delete("/workspace/{workspace}/semaphores/caught", s.handleUIRelease)
		r.With(s.authorize(policy.ActionWorkspaceUnlock)).Delete("/workspace/{workspace}/semaphores/has_mutex", s.handleForceUnlock)
		r.With(s.authorize(policy.ActionWorkspaceDelete)).Post("/workspace/{workspace}/delete", s.handleDeleteWorkspace)

		r.With(s.authorize(policy.ActionAdminRead)).Get("/admin", s.handleListUsers)
		r.With(s.authorize(policy.ActionAdminWrite)).Post("/admin/user/{user}/enable", s.handleEnableUser)
		r.With(s.authorize(policy.ActionAdminWrite)).Delete("/admin/user/{user}/enable", s.handleDisableUser)
		r.With(s.authorize(policy.ActionAdminWrite)).Post("/admin/user/{user}/roles", s.handleAddRole)
		r.With(s.authorize(policy.ActionAdminWrite)).Delete("/admin/user/{user}/roles", s.handleRemoveRole)

		// The API token is minted from a browser session.
		r.Get("/api/auth/login", s.handleAPILogin)
	})

	r.Get("/api/auth/denied", s.handleAPIDenied)
	r.Get("/api/auth/login/socket", s.handleLoginSocket)

	// Worker endpoints.
	r.Route("/api/workspace/{workspace}", func(r chi.Router) {
		r.Use(s.apiAuth)

		r.With(s.authorize(policy.ActionWorkspaceRead)).Get("/details", s.handleGetDetails)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Post("/details", s.handlePostDetails)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Post("/heartbeat", s.handleHeartbeat)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Post("/event", s.handlePostEvent)
		r.With(s.authorize(policy.ActionWorkspaceRead)).Get("/semaphores", s.handleGetSemaphores)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Post("/semaphores/caught", s.handleAPICatch)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Delete("/semaphores/caught", s.handleAPIRelease)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Post("/semaphores/has_mutex", s.handleAcquireMutex)
		r.With(s.authorize(policy.ActionWorkspaceWrite)).Delete("/semaphores/has_mutex", s.handleReleaseMutex)
	})

	return r
}

// requestLogger logs every request with its status and records request
// metrics and a span.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		info := &requestInfo{}
		ctx, span := s.tel.Tracer.Start(context.WithValue(r.Context(), requestInfoKey{}, info), "http "+r.Method)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := s.clock.Now().Sub(start)

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		s.tel.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)

		var ev *zerolog.Event
		switch {
		case status < 400:
			ev = s.logger.Info()
		case status < 500:
			ev = s.logger.Warn()
		default:
			ev = s.logger.Error()
		}
		if info.user != "" {
			ev = ev.Str("user", info.user)
		}
		ev.Int("status", status).
			Str("method", r.Method).
			Str("uri", r.URL.RequestURI()).
			Str("remote_ip", r.RemoteAddr).
			Dur("duration", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if hc, ok := s.audit.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run serves on the configured listeners until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var servers []*http.Server

	listen := func(addr string, tls bool) {
		srv := &http.Server{
			Addr:              addr,
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		servers = append(servers, srv)
		g.Go(func() error {
			var err error
			if tls {
				s.logger.Info().Str("listen", addr).Msg("Server listening on TLS port")
				err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
			} else {
				s.logger.Info().Str("listen", addr).Msg("Server listening on non-TLS port")
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
	}
	if s.cfg.Listen != "" {
		listen(s.cfg.Listen, false)
	}
	if s.cfg.TLSListen != "" {
		listen(s.cfg.TLSListen, true)
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info().Msg("Server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn().Err(err).Msg("Server shutdown failed")
			}
		}
		return nil
	})

	return g.Wait()
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, errorResponse{Error: message})
}

// recordAudit writes an audit entry, logging rather than failing the
// request when the store is unavailable.
func (s *Server) recordAudit(r *http.Request, action, actor string, target *string, details any) {
	if s.audit == nil {
		return
	}
	entry := &audit.Entry{
		Action:    action,
		Actor:     actor,
		Target:    target,
		Timestamp: s.clock.Now().UTC(),
	}
	if ip := r.RemoteAddr; ip != "" {
		entry.IPAddress = &ip
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			d := string(raw)
			entry.Details = &d
		}
	}
	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}
