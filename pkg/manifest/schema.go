package manifest

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/boardwalk/boardwalk/pkg/workspace"
)

const workspaceSchema = `
// A workspace block of a Boardwalkfile.
#Workspace: {
	// Names a directory under .boardwalk/workspaces.
	name: string & =~"^[A-Za-z_][A-Za-z0-9_-]*$"

	// Inventory pattern. Changing it after init requires a reset.
	host_pattern: string & !=""

	workflow: string & !=""

	default_sort_order: *"shuffle" | "ascending" | "descending"

	// Forces check and run to be given --limit.
	require_limit: *false | bool
}
`

// schema validates workspace blocks and fills in their defaults.
type schema struct {
	ctx *cue.Context
	def cue.Value
}

func newSchema() (*schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(workspaceSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile workspace schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Workspace"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("workspace schema: %w", err)
	}
	return &schema{ctx: ctx, def: def}, nil
}

type workspaceDoc struct {
	Name             string `json:"name"`
	HostPattern      string `json:"host_pattern"`
	Workflow         string `json:"workflow"`
	DefaultSortOrder string `json:"default_sort_order"`
	RequireLimit     bool   `json:"require_limit"`
}

// workspace validates one block and converts it to a workspace config.
func (s *schema) workspace(fields map[string]any) (*workspace.Config, error) {
	data := s.ctx.Encode(fields)
	if err := data.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode workspace: %w", err)
	}

	unified := s.def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid workspace: %s", errors.Details(err, nil))
	}

	var doc workspaceDoc
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode workspace: %w", err)
	}
	return &workspace.Config{
		Name:             doc.Name,
		HostPattern:      doc.HostPattern,
		Workflow:         doc.Workflow,
		DefaultSortOrder: workspace.SortOrder(doc.DefaultSortOrder),
		RequireLimit:     doc.RequireLimit,
	}, nil
}
