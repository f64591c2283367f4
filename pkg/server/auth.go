package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/boardwalk/boardwalk/pkg/audit"
	"github.com/boardwalk/boardwalk/pkg/policy"
	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// userCookie holds the signed UI identity.
const userCookie = "boardwalk_user"

const googleUserinfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"

type userContextKey struct{}

// requestInfo lets the request logger see who an inner handler
// authenticated.
type requestInfo struct {
	user string
}

type requestInfoKey struct{}

func withUser(ctx context.Context, u User) context.Context {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.user = u.Email
	}
	return context.WithValue(ctx, userContextKey{}, u)
}

// CurrentUser returns the authenticated user of a request.
func CurrentUser(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userContextKey{}).(User)
	return u, ok
}

// hostGuard rejects requests whose Host header does not match the
// configured pattern.
func (s *Server) hostGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.hostPattern.MatchString(r.Host) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// apiAuth authenticates API calls by the token header. Unauthenticated
// GETs are redirected to the access-denied endpoint.
func (s *Server) apiAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestScheme(r) != s.baseURL.Scheme || r.Host != s.baseURL.Host {
			writeError(w, http.StatusMisdirectedRequest, "request does not match the server url")
			return
		}

		claims, err := s.signer.Verify(r.Header.Get(protocol.TokenHeader), PurposeAPI)
		if err != nil {
			s.denyUnauthenticated(w, r, "/api/auth/denied")
			return
		}
		u, err := s.state.User(claims.Subject)
		if err != nil || !u.Enabled {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

// uiAuth authenticates browser requests by the signed user cookie.
func (s *Server) uiAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(userCookie)
		if err != nil {
			s.denyUnauthenticated(w, r, "/auth/login?next="+url.QueryEscape(r.URL.RequestURI()))
			return
		}
		claims, err := s.signer.Verify(cookie.Value, PurposeUI)
		if err != nil {
			s.denyUnauthenticated(w, r, "/auth/login?next="+url.QueryEscape(r.URL.RequestURI()))
			return
		}
		u, err := s.state.User(claims.Subject)
		if err != nil || !u.Enabled {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

func (s *Server) denyUnauthenticated(w http.ResponseWriter, r *http.Request, location string) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		http.Redirect(w, r, location, http.StatusFound)
		return
	}
	writeError(w, http.StatusForbidden, "access denied")
}

// authorize evaluates the policy engine for action against the current
// user and the workspace in the route, if any.
func (s *Server) authorize(action policy.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := CurrentUser(r.Context())
			if !ok {
				writeError(w, http.StatusForbidden, "access denied")
				return
			}
			decision, err := s.policy.Authorize(r.Context(), &policy.Input{
				Action:    action,
				User:      policy.Subject{Email: u.Email, Enabled: u.Enabled, Roles: u.Roles},
				Workspace: chi.URLParam(r, "workspace"),
				Owner:     s.cfg.Owner,
			})
			if err != nil {
				s.logger.Error().Err(err).Str("action", string(action)).Msg("Authorization failed")
				writeError(w, http.StatusInternalServerError, "authorization failed")
				return
			}
			if !decision.Allowed {
				s.logger.Warn().
					Str("user", u.Email).
					Str("action", string(action)).
					Strs("reasons", decision.Reasons).
					Msg("Request denied by policy")
				writeError(w, http.StatusForbidden, strings.Join(decision.Reasons, "; "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setUserCookie(w http.ResponseWriter, email string) error {
	token, err := s.signer.Sign(email, PurposeUI)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     userCookie,
		Value:    token,
		Path:     "/",
		Expires:  s.clock.Now().Add(s.cfg.AuthExpiry),
		HttpOnly: true,
		Secure:   s.baseURL.Scheme == "https",
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// localRedirect returns next when it names a path on this server.
func localRedirect(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}

func (s *Server) handleAnonymousLogin(w http.ResponseWriter, r *http.Request) {
	if _, err := s.state.EnsureUser(AnonymousUser); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save anonymous user")
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}
	if err := s.setUserCookie(w, AnonymousUser); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign cookie")
		return
	}
	s.recordAudit(r, audit.ActionLogin, AnonymousUser, nil, nil)
	http.Redirect(w, r, localRedirect(r.URL.Query().Get("next")), http.StatusFound)
}

func newGoogleOAuthConfig(cfg Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoint:     endpoints.Google,
		RedirectURL:  strings.TrimSuffix(cfg.URL, "/") + "/auth/login",
		Scopes:       []string{"email"},
	}
}

// handleGoogleLogin starts the OAuth2 flow, or completes it when Google
// redirects back with a code. The requested URL travels in the signed
// state parameter.
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		state, err := s.signer.Sign(localRedirect(q.Get("next")), PurposeOAuthState)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to sign state")
			return
		}
		http.Redirect(w, r, s.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto")), http.StatusFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	email, err := s.googleEmail(ctx, code)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Google login failed")
		writeError(w, http.StatusBadRequest, "login failed")
		return
	}
	if err := protocol.Validate(struct {
		Email string `validate:"required,email"`
	}{email}); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid email address")
		return
	}
	if _, err := s.state.EnsureUser(email); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}
	if err := s.setUserCookie(w, email); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign cookie")
		return
	}
	s.recordAudit(r, audit.ActionLogin, email, nil, nil)

	next := "/"
	if claims, err := s.signer.Verify(q.Get("state"), PurposeOAuthState); err == nil {
		next = localRedirect(claims.Subject)
	}
	http.Redirect(w, r, next, http.StatusFound)
}

func (s *Server) googleEmail(ctx context.Context, code string) (string, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("code exchange: %w", err)
	}
	resp, err := s.oauth.Client(ctx, tok).Get(s.userinfoURL)
	if err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo: unexpected status %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	if info.Email == "" {
		return "", errors.New("userinfo: no email returned")
	}
	return info.Email, nil
}

func (s *Server) handleAPIDenied(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusForbidden, "access denied")
}

// handleAPILogin hands an API token for the logged-in UI user to the
// waiting login socket.
func (s *Server) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing id")
		return
	}
	u, _ := CurrentUser(r.Context())

	token, err := s.signer.Sign(u.Email, PurposeAPI)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	if err := s.logins.send(id, protocol.LoginMessage{Token: token}); err != nil {
		if errors.Is(err, errLoginClientNotFound) {
			writeError(w, http.StatusNotFound, "login client not found")
			return
		}
		s.logger.Error().Err(err).Str("client", id).Msg("Failed to send token to login client")
		writeError(w, http.StatusInternalServerError, "failed to send token")
		return
	}
	s.recordAudit(r, audit.ActionTokenIssued, u.Email, nil, nil)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Authentication successful. You may close this window"))
}
