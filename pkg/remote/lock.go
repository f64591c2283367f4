package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/boardwalk/boardwalk/pkg/runner"
)

const (
	// LockPath is the lock marker on a managed host.
	LockPath = "/opt/boardwalk.mutex"

	// MOTDPath is the login banner installed while a host is locked.
	MOTDPath = "/etc/update-motd.d/99-boardwalk-alert"

	// AlertMessage is shown to interactive users of a locked host.
	AlertMessage = "ALERT: Boardwalk is running a workflow against this host. Services may be interrupted"
)

var (
	alertFormatted = fmt.Sprintf("$(tput -T xterm bold)$(tput -T xterm setaf 1)'%s'$(tput -T xterm sgr0)", AlertMessage)
	alertMOTD      = "#!/bin/sh\necho " + alertFormatted
	alertWall      = "wall " + alertFormatted
)

// RemoteHostLockedError is returned by Lock when another worker holds the
// host lock.
type RemoteHostLockedError struct {
	Host   string
	Holder string
}

func (e *RemoteHostLockedError) Error() string {
	return fmt.Sprintf("%s: Host is locked by %s", e.Host, e.Holder)
}

// IsLocked reports whether the host carries a lock marker and returns its
// content.
func (p *Protocol) IsLocked(ctx context.Context, host string) (string, bool, error) {
	tasks := runner.Tasks{
		{Name: "remote_mutex_check", Module: "stat", Args: map[string]any{"path": LockPath}, Register: "lockfile"},
		{Name: "slurp_mutex_content", Module: "slurp", Args: map[string]any{"src": LockPath}, When: "lockfile.stat.exists"},
	}
	res, err := p.run(ctx, host, "check_remote_host_lock", false, tasks)
	if err != nil {
		return "", false, err
	}

	exists := false
	for _, ev := range res.OK("remote_mutex_check") {
		if stat, ok := ev.Result["stat"].(map[string]any); ok {
			exists, _ = stat["exists"].(bool)
		}
	}
	if !exists {
		return "", false, nil
	}

	var content string
	for _, ev := range res.OK("slurp_mutex_content") {
		content, _ = ev.Result["content"].(string)
	}
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", true, fmt.Errorf("%s: failed to decode lock marker: %w", host, err)
	}
	return strings.TrimRight(string(decoded), " \t\r\n"), true, nil
}

// Lock places the lock marker on host. Unless stomp is set an existing
// marker yields *RemoteHostLockedError. On Linux it also installs the login
// banner and broadcasts a wall message.
func (p *Protocol) Lock(ctx context.Context, host string, stomp bool) error {
	if !stomp {
		holder, locked, err := p.IsLocked(ctx, host)
		if err != nil {
			return err
		}
		if locked {
			return &RemoteHostLockedError{Host: host, Holder: holder}
		}
	}

	marker := fmt.Sprintf("%s at %s", p.opts.Holder, p.opts.Clock.Now().UTC().Format("2006-01-02 15:04:05.000000"))
	tasks := append(adminGroupTasks(),
		runner.Task{
			Name:   "create_remote_lock",
			Module: "copy",
			Args: map[string]any{
				"content": marker,
				"dest":    LockPath,
				"mode":    "0644",
				"owner":   "root",
				"group":   "{{ admin_group }}",
			},
		},
		runner.Task{
			Name:   "create_motd_banner",
			Module: "copy",
			Args: map[string]any{
				"content": alertMOTD,
				"dest":    MOTDPath,
				"owner":   "root",
				"group":   "{{ admin_group }}",
				"mode":    "0755",
			},
			When: "ansible_system == 'Linux'",
		},
		runner.Task{
			Name:   "write_wall_msg",
			Module: "shell",
			Args:   map[string]any{"cmd": alertWall},
			When:   "ansible_system == 'Linux'",
		},
	)
	_, err := p.run(ctx, host, "lock_remote_host", true, tasks)
	return err
}

// Release removes the lock marker and the banner. Missing files are fine.
func (p *Protocol) Release(ctx context.Context, host string) error {
	tasks := runner.Tasks{
		{Name: "release_remote_lock", Module: "file", Args: map[string]any{"path": LockPath, "state": "absent"}},
		{Name: "delete_motd_banner", Module: "file", Args: map[string]any{"path": MOTDPath, "state": "absent"}},
	}
	_, err := p.run(ctx, host, "release_remote_host", true, tasks)
	return err
}
