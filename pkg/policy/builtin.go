package policy

// GetBuiltinPolicies returns the policies every engine starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		enabledUsersPolicy(),
		adminRolePolicy(),
	}
}

func enabledUsersPolicy() Policy {
	return Policy{
		Name:        "enabled-users",
		Description: "Disabled users may not do anything",
		Enabled:     true,
		Rego: `package boardwalk.builtin.enabled

import rego.v1

deny contains msg if {
	not input.user.enabled
	msg := sprintf("user %s is disabled", [input.user.email])
}
`,
	}
}

func adminRolePolicy() Policy {
	return Policy{
		Name:        "admin-role",
		Description: "Admin actions require the admin role",
		Enabled:     true,
		Rego: `package boardwalk.builtin.admin

import rego.v1

deny contains msg if {
	startswith(input.action, "admin.")
	not "admin" in input.user.roles
	msg := sprintf("%s requires the admin role", [input.action])
}
`,
	}
}
