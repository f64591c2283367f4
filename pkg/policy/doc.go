// Package policy authorizes boardwalkd API and UI actions with Open Policy
// Agent (OPA).
//
// Every request is turned into an Input (the action, the calling user and
// the workspace it targets) and evaluated against each enabled policy.
// A policy denies by adding messages to its deny set:
//
//	package boardwalk.custom
//
//	import rego.v1
//
//	deny contains msg if {
//		input.action == "workspace.delete"
//		not "admin" in input.user.roles
//		msg := "only admins may delete workspaces"
//	}
//
// The built-in policy rejects disabled users and restricts admin actions
// to the admin role. Extra policies are loaded from .rego or .json files
// with Engine.LoadPolicies, and Engine.Watch reloads them when they change
// on disk.
//
// Evaluation errors deny the request.
package policy
