package ssh

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid key", func(c *Config) {}, false},
		{"password only", func(c *Config) { c.PrivateKeyPath = ""; c.Password = "pw" }, false},
		{"missing host", func(c *Config) { c.Host = "" }, true},
		{"bad port", func(c *Config) { c.Port = 70000 }, true},
		{"missing user", func(c *Config) { c.User = "" }, true},
		{"zero timeout", func(c *Config) { c.ConnectionTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.Host = "web1"
			c.User = "deploy"
			c.PrivateKeyPath = keyPath
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigForHost(t *testing.T) {
	base := DefaultConfig()
	base.User = "deploy"
	base.CommandTimeout = time.Minute

	c := base.ForHost("web1", map[string]any{
		"ansible_host":                 "10.1.1.1",
		"ansible_port":                 "2200",
		"ansible_user":                 "admin",
		"ansible_ssh_private_key_file": "/keys/web",
	})
	if c.Address() != "10.1.1.1:2200" {
		t.Errorf("expected 10.1.1.1:2200, got %s", c.Address())
	}
	if c.User != "admin" || c.PrivateKeyPath != "/keys/web" {
		t.Errorf("unexpected overrides %+v", c)
	}
	if base.User != "deploy" {
		t.Error("ForHost must not modify the defaults")
	}
	if c.CommandTimeout != time.Minute {
		t.Errorf("expected inherited command timeout, got %v", c.CommandTimeout)
	}
}

func TestInstallFlags(t *testing.T) {
	got := installFlags(FileAttrs{Mode: 0o755, Owner: "root", Group: "wheel"})
	if got != " -m 0755 -o 'root' -g 'wheel'" {
		t.Errorf("unexpected flags %q", got)
	}
	if shellQuote("it's") != `'it'\''s'` {
		t.Errorf("unexpected quoting %q", shellQuote("it's"))
	}
}
