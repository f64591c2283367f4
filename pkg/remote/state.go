package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boardwalk/boardwalk/pkg/runner"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

const (
	// FactsDir holds custom local facts on a managed host.
	FactsDir = "/etc/ansible/facts.d"

	// StateFactName is the local fact holding the workflow state.
	StateFactName = "boardwalk_state"

	// StateFactPath is where the workflow state is written.
	StateFactPath = FactsDir + "/" + StateFactName + ".fact"
)

// WorkflowRecord is the progress of one workflow on a host. Succeeded
// implies Started.
type WorkflowRecord struct {
	Started   bool `json:"started"`
	Succeeded bool `json:"succeeded"`
}

// WorkspaceRecord is the per-workspace entry of the remote state.
type WorkspaceRecord struct {
	Workflow WorkflowRecord `json:"workflow"`
}

// RemoteState is the workflow state stored on a host, keyed by workspace.
type RemoteState struct {
	Workspaces map[string]WorkspaceRecord `json:"workspaces"`
}

// NewRemoteState returns an empty state.
func NewRemoteState() *RemoteState {
	return &RemoteState{Workspaces: map[string]WorkspaceRecord{}}
}

// Record returns the workflow record of a workspace; absent means zero.
func (s *RemoteState) Record(ws string) WorkflowRecord {
	return s.Workspaces[ws].Workflow
}

// MarkStarted sets started for ws.
func (s *RemoteState) MarkStarted(ws string) {
	rec := s.Workspaces[ws]
	rec.Workflow.Started = true
	s.Workspaces[ws] = rec
}

// MarkSucceeded sets started and succeeded for ws.
func (s *RemoteState) MarkSucceeded(ws string) {
	s.Workspaces[ws] = WorkspaceRecord{Workflow: WorkflowRecord{Started: true, Succeeded: true}}
}

// Interrupted reports whether ws started on the host but never succeeded.
func (s *RemoteState) Interrupted(ws string) bool {
	rec := s.Record(ws)
	return rec.Started && !rec.Succeeded
}

// Map returns the state as plain JSON-compatible values.
func (s *RemoteState) Map() map[string]any {
	data, _ := json.Marshal(s)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

// parseState decodes a fact value. Anything malformed yields an empty state.
func parseState(v any) *RemoteState {
	if v == nil {
		return NewRemoteState()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return NewRemoteState()
	}
	var st RemoteState
	if err := json.Unmarshal(data, &st); err != nil || st.Workspaces == nil {
		return NewRemoteState()
	}
	return &st
}

// FromFacts reads the workflow state from cached host facts.
func FromFacts(facts map[string]any) *RemoteState {
	local, _ := facts["ansible_local"].(map[string]any)
	return parseState(local[StateFactName])
}

// GetRemoteState reads the workflow state fact from host. An absent or
// malformed fact yields an empty state.
func (p *Protocol) GetRemoteState(ctx context.Context, host string) (*RemoteState, error) {
	tasks := runner.Tasks{
		{Name: "setup", Module: "setup", Args: map[string]any{"filter": []any{"ansible_local"}}},
	}
	res, err := p.run(ctx, host, "get_remote_state", false, tasks)
	if err != nil {
		return nil, err
	}
	for _, ev := range res.OK("setup") {
		if facts, ok := ev.Result["ansible_facts"].(map[string]any); ok {
			return FromFacts(facts), nil
		}
	}
	return NewRemoteState(), nil
}

// SetRemoteState writes state to host, then mirrors it into the cached
// facts of ws and flushes the local state. In check mode nothing is
// mirrored.
func (p *Protocol) SetRemoteState(ctx context.Context, ws *workspace.Workspace, host string, state *RemoteState) error {
	content, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode remote state: %w", err)
	}
	tasks := append(adminGroupTasks(),
		runner.Task{
			Name:   "ensure_ansible_local_facts_dir",
			Module: "file",
			Args:   map[string]any{"state": "directory", "path": FactsDir},
		},
		runner.Task{
			Name:   "update_remote_state",
			Module: "copy",
			Args: map[string]any{
				"content": string(content),
				"dest":    StateFactPath,
				"mode":    "0644",
				"owner":   "root",
				"group":   "{{ admin_group }}",
			},
		},
	)
	if _, err := p.run(ctx, host, "set_remote_state", true, tasks); err != nil {
		return err
	}
	if p.opts.Check || ws == nil {
		return nil
	}
	ws.State().SetLocalFact(host, StateFactName, state.Map())
	return ws.Flush()
}

// GatherFacts runs a full fact gathering on host.
func (p *Protocol) GatherFacts(ctx context.Context, host string) (map[string]any, error) {
	tasks := runner.Tasks{
		{Name: "setup", Module: "setup", Args: map[string]any{"gather_timeout": 30}},
	}
	res, err := p.run(ctx, host, "gather_facts", false, tasks)
	if err != nil {
		return nil, err
	}
	for _, ev := range res.OK("setup") {
		if facts, ok := ev.Result["ansible_facts"].(map[string]any); ok && len(facts) > 0 {
			return facts, nil
		}
	}
	return nil, fmt.Errorf("%s: gather_facts returned nothing", host)
}
