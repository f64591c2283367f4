package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/boardwalk/boardwalk/pkg/inventory"
	"github.com/boardwalk/boardwalk/pkg/remote"
	"github.com/boardwalk/boardwalk/pkg/workspace"
)

// Prepare computes the host work list. It returns an empty list, after
// logging an error, when no host meets the job preconditions.
func (s *Scheduler) Prepare(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := s.ws.Config()
	state := s.ws.State()
	if len(state.Hosts) == 0 {
		return nil, ErrNoHosts
	}
	if cfg.RequireLimit && s.opts.Limit == "" {
		return nil, ErrLimitRequired
	}
	if err := s.ws.AssertHostPatternUnchanged(); err != nil {
		return nil, err
	}

	s.logger.Info().Str("limit", s.opts.Limit).Msg("Reading inventory to process any --limit")
	matched, err := s.opts.Inventory.Limit(cfg.HostPattern, s.opts.Limit)
	if errors.Is(err, inventory.ErrNoHostsMatched) {
		return nil, ErrNoHostsMatched
	}
	if err != nil {
		return nil, fmt.Errorf("failed to process --limit pattern: %w", err)
	}
	var hosts []string
	for _, name := range matched {
		if _, ok := state.Hosts[name]; ok {
			hosts = append(hosts, name)
		}
	}
	if len(hosts) == 0 {
		return nil, ErrNoHostsMatched
	}
	// The inventory is parsed once when loaded; host vars are a map lookup.
	s.inventoryVars = s.opts.Inventory.AllHostVars()

	order := s.opts.SortOrder
	if order == "" {
		order = cfg.DefaultSortOrder
	}
	s.sortHosts(hosts, order)

	hosts, err = s.filterLocally(hosts)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		s.logger.Error().Msg("No hosts meet preconditions")
	}
	return hosts, nil
}

func (s *Scheduler) sortHosts(hosts []string, order workspace.SortOrder) {
	switch order {
	case workspace.SortAscending:
		sort.Strings(hosts)
	case workspace.SortDescending:
		sort.Sort(sort.Reverse(sort.StringSlice(hosts)))
	default:
		s.opts.Shuffle(hosts)
	}
}

func shuffle(hosts []string) {
	rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })
}

// filterLocally drops hosts whose cached facts fail a job precondition.
// Hosts that started the workflow without finishing are kept when the
// workflow retries failed hosts.
func (s *Scheduler) filterLocally(hosts []string) ([]string, error) {
	state := s.ws.State()
	out := hosts[:0]
	for _, name := range hosts {
		facts := state.Hosts[name].Facts
		if s.wf.AlwaysRetryFailedHosts && remote.FromFacts(facts).Interrupted(s.ws.Name()) {
			s.logger.Warn().Str("host", name).Msg("Host started workflow but never completed. Job preconditions are ignored for this host")
			out = append(out, name)
			continue
		}
		unmet, err := s.wf.UnmetPreconditions(facts, s.hostVars(name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for _, job := range unmet {
			s.logger.Warn().Str("host", name).Str("job", job).
				Msg("Job preconditions unmet in local state and will be skipped. If this is in error, re-run `boardwalk init`")
		}
		if len(unmet) == 0 {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Scheduler) hostVars(host string) map[string]any {
	if v, ok := s.inventoryVars[host]; ok {
		return v
	}
	return map[string]any{}
}
