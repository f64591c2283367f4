package audit

import (
	"context"
	"time"
)

// Action names recorded in the audit trail.
const (
	ActionLogin           = "auth.login"
	ActionTokenIssued     = "auth.token"
	ActionWorkspaceCatch  = "workspace.catch"
	ActionWorkspaceFree   = "workspace.release"
	ActionWorkspaceUnlock = "workspace.unlock"
	ActionWorkspaceDelete = "workspace.delete"
	ActionUserEnable      = "user.enable"
	ActionUserDisable     = "user.disable"
	ActionRoleAdd         = "user.role.add"
	ActionRoleRemove      = "user.role.remove"
)

// Entry is one audit trail record.
type Entry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Target    *string   `json:"target,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkspaceEvent is a persisted copy of an event posted to a workspace.
// The server statefile only keeps the most recent events; this table keeps
// all of them.
type WorkspaceEvent struct {
	ID           int64     `json:"id"`
	Workspace    string    `json:"workspace"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	CreateTime   time.Time `json:"create_time"`
	ReceivedTime time.Time `json:"received_time"`
	RemoteIP     *string   `json:"remote_ip,omitempty"`
}

// Recorder is what the server needs from the audit store.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	RecordEvent(ctx context.Context, ev *WorkspaceEvent) error
}
