// Package settings loads boardwalk.yaml, the worker configuration of the
// boardwalk CLI.
//
// Settings are resolved in order: built-in defaults, the YAML file, then
// environment variables:
//
//	BOARDWALK_WORKSPACE      active workspace, overriding the selection file
//	BOARDWALKD_URL           coordination server URL
//	ANSIBLE_BECOME_ASK_PASS  prompt for the become password when truthy
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/boardwalk/boardwalk/pkg/runner/ssh"
	"github.com/boardwalk/boardwalk/pkg/telemetry"
)

// DefaultFile is the settings file looked up in the working directory.
const DefaultFile = "boardwalk.yaml"

// Environment variables read by Load.
const (
	EnvWorkspace     = "BOARDWALK_WORKSPACE"
	EnvServerURL     = "BOARDWALKD_URL"
	EnvAskBecomePass = "ANSIBLE_BECOME_ASK_PASS"
)

// Settings is the worker configuration.
type Settings struct {
	// Manifest is the Boardwalkfile path.
	Manifest string `yaml:"manifest" validate:"required"`

	// Inventory is the YAML inventory path.
	Inventory string `yaml:"inventory" validate:"required"`

	// WorkspacesDir holds one directory per workspace.
	WorkspacesDir string `yaml:"workspaces_dir" validate:"required"`

	// ServerURL is the boardwalkd URL. It takes precedence over the
	// manifest's boardwalkd_url.
	ServerURL string `yaml:"server_url" validate:"omitempty,url"`

	// TokenFile stores the API token; empty means the user config dir.
	TokenFile string `yaml:"token_file"`

	// Workspace overrides the selected workspace. Only set from the
	// environment.
	Workspace string `yaml:"-"`

	// CatchPollInterval is how often a caught run checks for release.
	CatchPollInterval time.Duration `yaml:"catch_poll_interval" validate:"gt=0"`

	// TaskTimeout bounds each task runner invocation. Zero disables it.
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"gte=0"`

	// AskBecomePass prompts for the become password before running.
	AskBecomePass bool `yaml:"ask_become_pass"`

	SSH SSHSettings `yaml:"ssh"`

	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// SSHSettings are the connection defaults; inventory variables override
// them per host.
type SSHSettings struct {
	User       string `yaml:"user"`
	PrivateKey string `yaml:"private_key"`
	KnownHosts string `yaml:"known_hosts"`

	// StrictHostKeyChecking defaults to true.
	StrictHostKeyChecking *bool `yaml:"strict_host_key_checking"`

	Port           int           `yaml:"port" validate:"gte=0,lte=65535"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`
	Forks          int           `yaml:"forks" validate:"gte=0"`
}

var settingsValidator = validator.New(validator.WithRequiredStructEnabled())

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		Manifest:          "Boardwalkfile.star",
		Inventory:         "inventory.yaml",
		WorkspacesDir:     ".boardwalk/workspaces",
		CatchPollInterval: 5 * time.Second,
		Telemetry:         telemetry.DefaultConfig("boardwalk"),
	}
}

// Load reads path on top of the defaults and applies the environment. A
// missing file is an error only when required is set.
func Load(path string, required bool) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !required:
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	default:
		if err := s.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := s.applyEnvironment(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Telemetry == nil {
		s.Telemetry = telemetry.DefaultConfig("boardwalk")
	}
	return nil
}

func (s *Settings) applyEnvironment(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkspace); ok && v != "" {
		s.Workspace = v
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		s.ServerURL = v
	}
	if v, ok := lookup(EnvAskBecomePass); ok && v != "" {
		ask, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAskBecomePass, err)
		}
		s.AskBecomePass = ask
	}
	return nil
}

// Validate checks field constraints.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ResolveServerURL returns the configured server URL, falling back to the
// manifest's.
func (s *Settings) ResolveServerURL(manifestURL string) string {
	if s.ServerURL != "" {
		return s.ServerURL
	}
	return manifestURL
}

// SSHConfig returns runner connection defaults with the configured fields
// applied over ssh.DefaultConfig.
func (s *Settings) SSHConfig() *ssh.Config {
	cfg := ssh.DefaultConfig()
	o := s.SSH
	if o.User != "" {
		cfg.User = o.User
	}
	if o.PrivateKey != "" {
		cfg.PrivateKeyPath = o.PrivateKey
	}
	if o.KnownHosts != "" {
		cfg.KnownHostsPath = o.KnownHosts
	}
	if o.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *o.StrictHostKeyChecking
	}
	if o.Port > 0 {
		cfg.Port = o.Port
	}
	if o.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = o.ConnectTimeout
	}
	if o.CommandTimeout > 0 {
		cfg.CommandTimeout = o.CommandTimeout
	}
	if o.Forks > 0 {
		cfg.Forks = o.Forks
	}
	return cfg
}
