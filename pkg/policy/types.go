package policy

// Action names an operation boardwalkd authorizes.
type Action string

const (
	// ActionWorkspaceRead covers reading details, semaphores and events.
	ActionWorkspaceRead Action = "workspace.read"

	// ActionWorkspaceWrite covers the worker calls: details, heartbeat,
	// events, mutex and catch.
	ActionWorkspaceWrite Action = "workspace.write"

	// ActionWorkspaceUnlock is the forced unlock from the UI.
	ActionWorkspaceUnlock Action = "workspace.unlock"

	// ActionWorkspaceDelete removes a workspace from the server.
	ActionWorkspaceDelete Action = "workspace.delete"

	// ActionAdminRead lists users.
	ActionAdminRead Action = "admin.read"

	// ActionAdminWrite enables, disables and changes roles of users.
	ActionAdminWrite Action = "admin.write"
)

// Policy is one Rego module.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Subject is the caller being authorized.
type Subject struct {
	Email   string   `json:"email"`
	Enabled bool     `json:"enabled"`
	Roles   []string `json:"roles"`
}

// Input is the document policies evaluate as `input`.
type Input struct {
	Action    Action  `json:"action"`
	User      Subject `json:"user"`
	Workspace string  `json:"workspace,omitempty"`

	// Owner is the configured server owner.
	Owner string `json:"owner"`
}

// Decision is the outcome of an authorization.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reasons holds the deny messages, empty when allowed.
	Reasons []string `json:"reasons,omitempty"`

	// Evaluated lists the policies that ran.
	Evaluated []string `json:"evaluated"`
}
