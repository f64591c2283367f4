package workspace

import (
	"fmt"
	"sort"
	"strings"
)

// SortOrder is the order hosts are walked through, by hostname.
type SortOrder string

const (
	SortShuffle    SortOrder = "shuffle"
	SortAscending  SortOrder = "ascending"
	SortDescending SortOrder = "descending"
)

// ValidSortOrders lists every accepted default sort order.
var ValidSortOrders = []SortOrder{SortAscending, SortDescending, SortShuffle}

// ParseSortOrder accepts the full names or their first letter. An empty
// string returns an empty SortOrder so callers can fall back to a default.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "s", "shuffle":
		return SortShuffle, nil
	case "a", "ascending":
		return SortAscending, nil
	case "d", "descending":
		return SortDescending, nil
	default:
		return "", fmt.Errorf("invalid sort order %q: valid sort orders are ascending, descending, shuffle", s)
	}
}

// Config is the explicit configuration of one workspace. It is built once
// per process by a Factory and shared by pointer.
type Config struct {
	// Name identifies the workspace and names its directory.
	Name string `json:"name" validate:"required"`

	// HostPattern is the inventory pattern the workspace targets. Changing it
	// after init requires a reset.
	HostPattern string `json:"host_pattern" validate:"required"`

	// Workflow names the workflow the workspace runs.
	Workflow string `json:"workflow" validate:"required"`

	// DefaultSortOrder is used when a run does not override the order.
	DefaultSortOrder SortOrder `json:"default_sort_order" validate:"omitempty,oneof=shuffle ascending descending"`

	// RequireLimit forces check and run to be given an explicit --limit.
	RequireLimit bool `json:"require_limit"`
}

// Validate checks the fields a Factory must populate.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("workspace name is required")
	}
	if c.HostPattern == "" {
		return fmt.Errorf("workspace %s: host_pattern is required", c.Name)
	}
	if c.Workflow == "" {
		return fmt.Errorf("workspace %s: workflow is required", c.Name)
	}
	if c.DefaultSortOrder == "" {
		c.DefaultSortOrder = SortShuffle
	}
	if _, err := ParseSortOrder(string(c.DefaultSortOrder)); err != nil {
		return fmt.Errorf("workspace %s: %w", c.Name, err)
	}
	return nil
}

// Host is one managed machine as recorded in local state.
type Host struct {
	Name  string         `json:"name"`
	Facts map[string]any `json:"ansible_facts"`
	Meta  map[string]any `json:"meta"`
}

// NewHost returns a Host with initialised maps.
func NewHost(name string, facts map[string]any) *Host {
	if facts == nil {
		facts = map[string]any{}
	}
	return &Host{Name: name, Facts: facts, Meta: map[string]any{}}
}

// LocalState is the persisted content of statefile.json.
type LocalState struct {
	HostPattern string           `json:"host_pattern"`
	Hosts       map[string]*Host `json:"hosts"`
}

// NewLocalState returns an empty state scoped to pattern.
func NewLocalState(pattern string) *LocalState {
	return &LocalState{HostPattern: pattern, Hosts: map[string]*Host{}}
}

// HostNames returns the known host names in ascending order.
func (s *LocalState) HostNames() []string {
	names := make([]string, 0, len(s.Hosts))
	for name := range s.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PutFacts adds the host if it is unknown and replaces its facts.
func (s *LocalState) PutFacts(name string, facts map[string]any) *Host {
	h, ok := s.Hosts[name]
	if !ok {
		h = NewHost(name, facts)
		s.Hosts[name] = h
		return h
	}
	if facts == nil {
		facts = map[string]any{}
	}
	h.Facts = facts
	return h
}

// SetLocalFact stores value under ansible_local.<key> in the host's cached
// facts. Unknown hosts are ignored.
func (s *LocalState) SetLocalFact(name, key string, value any) bool {
	h, ok := s.Hosts[name]
	if !ok {
		return false
	}
	if h.Facts == nil {
		h.Facts = map[string]any{}
	}
	local, ok := h.Facts["ansible_local"].(map[string]any)
	if !ok {
		local = map[string]any{}
		h.Facts["ansible_local"] = local
	}
	local[key] = value
	return true
}
