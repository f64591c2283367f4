package server

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Authentication methods for the UI.
const (
	AuthAnonymous   = "anonymous"
	AuthGoogleOAuth = "google_oauth"
)

// AnonymousUser is the identity every request runs as in anonymous mode.
const AnonymousUser = "anonymous@example.com"

// Config configures a boardwalkd server.
type Config struct {
	// URL is the externally reachable base URL of the server.
	URL string `validate:"required,url"`

	// Listen is the plain HTTP listen address. At least one of Listen and
	// TLSListen must be set.
	Listen string `validate:"required_without=TLSListen"`

	TLSListen string `validate:"required_without=Listen"`
	TLSCert   string `validate:"required_with=TLSListen,excluded_without=TLSListen"`
	TLSKey    string `validate:"required_with=TLSListen,excluded_without=TLSListen"`

	// HostHeaderPattern must match the Host header of every request.
	HostHeaderPattern string `validate:"required"`

	AuthMethod string `validate:"oneof=anonymous google_oauth"`

	// AuthExpiry bounds the lifetime of UI cookies and API tokens.
	AuthExpiry time.Duration `validate:"gt=0"`

	// Secret keys token signatures. Required unless AuthMethod is anonymous.
	Secret string

	GoogleClientID     string
	GoogleClientSecret string

	// Owner is enabled and made an admin on every start.
	Owner string `validate:"omitempty,email"`

	// StaleThreshold is how long after the last worker contact a UI forced
	// unlock is allowed.
	StaleThreshold time.Duration `validate:"gt=0"`

	SlackWebhookURL      string `validate:"omitempty,url"`
	SlackErrorWebhookURL string `validate:"omitempty,url"`

	// StateDir holds statefile.json and, unless AuditDBPath is set, audit.db.
	StateDir    string `validate:"required"`
	AuditDBPath string

	// PolicyDir holds extra Rego policies, reloaded on change.
	PolicyDir string

	MetricsEnabled bool
}

// DefaultConfig returns a Config with every optional field defaulted.
func DefaultConfig() Config {
	return Config{
		AuthMethod:     AuthAnonymous,
		AuthExpiry:     14 * 24 * time.Hour,
		StaleThreshold: 10 * time.Second,
		StateDir:       ".boardwalkd",
		MetricsEnabled: true,
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration, filling in the owner for anonymous
// mode.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if c.TLSListen != "" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be https when TLS is enabled")
	}

	if _, err := regexp.Compile(c.HostHeaderPattern); err != nil {
		return fmt.Errorf("host header pattern invalid: %w", err)
	}

	switch c.AuthMethod {
	case AuthAnonymous:
		if c.Owner == "" {
			c.Owner = AnonymousUser
		}
	default:
		if c.Secret == "" {
			return fmt.Errorf("BOARDWALK_SECRET is required when the auth method is %s", c.AuthMethod)
		}
		if c.Owner == "" {
			return fmt.Errorf("owner must be defined when the auth method is not anonymous")
		}
		if c.AuthMethod == AuthGoogleOAuth && (c.GoogleClientID == "" || c.GoogleClientSecret == "") {
			return fmt.Errorf("google oauth client id and secret are required for google_oauth")
		}
	}
	return nil
}

func (c *Config) signingKey() string {
	if c.AuthMethod == AuthAnonymous {
		return "ANONYMOUS"
	}
	return c.Secret
}
