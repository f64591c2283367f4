package inventory

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

// ErrNoHostsMatched is returned when a pattern selects nothing.
var ErrNoHostsMatched = errors.New("no hosts matched")

// Match resolves an inventory pattern to an ascending list of host names.
//
// A pattern is a list of terms separated by ':' or ','. Plain terms are
// unioned, terms prefixed with '&' intersect and terms prefixed with '!'
// exclude. A term is "all", "*", a group, a host, a shell glob, a regular
// expression prefixed with '~', or "@path" naming a file with one host per
// line.
func (inv *Inventory) Match(pattern string) ([]string, error) {
	terms := splitPattern(pattern)
	if len(terms) == 0 {
		return nil, nil
	}

	selected := map[string]bool{}
	var intersect, exclude [][]string
	for _, term := range terms {
		switch {
		case strings.HasPrefix(term, "&"):
			hosts, err := inv.matchTerm(term[1:])
			if err != nil {
				return nil, err
			}
			intersect = append(intersect, hosts)
		case strings.HasPrefix(term, "!"):
			hosts, err := inv.matchTerm(term[1:])
			if err != nil {
				return nil, err
			}
			exclude = append(exclude, hosts)
		default:
			hosts, err := inv.matchTerm(term)
			if err != nil {
				return nil, err
			}
			for _, h := range hosts {
				selected[h] = true
			}
		}
	}

	for _, set := range intersect {
		keep := map[string]bool{}
		for _, h := range set {
			if selected[h] {
				keep[h] = true
			}
		}
		selected = keep
	}
	for _, set := range exclude {
		for _, h := range set {
			delete(selected, h)
		}
	}

	out := make([]string, 0, len(selected))
	for h := range selected {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

// Limit returns the hosts matching pattern restricted by limit. An empty
// limit means "all". Nothing matching returns ErrNoHostsMatched.
func (inv *Inventory) Limit(pattern, limit string) ([]string, error) {
	hosts, err := inv.Match(pattern)
	if err != nil {
		return nil, err
	}
	if limit != "" && limit != "all" {
		limited, err := inv.Match(limit)
		if err != nil {
			return nil, err
		}
		allowed := map[string]bool{}
		for _, h := range limited {
			allowed[h] = true
		}
		filtered := hosts[:0]
		for _, h := range hosts {
			if allowed[h] {
				filtered = append(filtered, h)
			}
		}
		hosts = filtered
	}
	if len(hosts) == 0 {
		return nil, ErrNoHostsMatched
	}
	return hosts, nil
}

func (inv *Inventory) matchTerm(term string) ([]string, error) {
	switch {
	case term == "":
		return nil, nil
	case term == "all" || term == "*":
		return inv.Hosts(), nil
	case strings.HasPrefix(term, "@"):
		return readHostFile(term[1:])
	case strings.HasPrefix(term, "~"):
		re, err := regexp.Compile(term[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid host pattern %q: %w", term, err)
		}
		var out []string
		for _, h := range inv.Hosts() {
			if re.MatchString(h) {
				out = append(out, h)
			}
		}
		return out, nil
	}

	if _, ok := inv.groups[term]; ok {
		return inv.groupHosts(term), nil
	}
	if _, ok := inv.hosts[term]; ok {
		return []string{term}, nil
	}
	if strings.ContainsAny(term, "*?[") {
		if _, err := path.Match(term, ""); err != nil {
			return nil, fmt.Errorf("invalid host pattern %q: %w", term, err)
		}
		var out []string
		for name := range inv.groups {
			if ok, _ := path.Match(term, name); ok {
				out = append(out, inv.groupHosts(name)...)
			}
		}
		for _, h := range inv.Hosts() {
			if ok, _ := path.Match(term, h); ok {
				out = append(out, h)
			}
		}
		return out, nil
	}
	return nil, nil
}

func splitPattern(pattern string) []string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	var terms []string
	// Regex terms may themselves contain separators, so only split outside
	// of them when the whole pattern is a single regex.
	if strings.HasPrefix(pattern, "~") {
		return []string{pattern}
	}
	for _, t := range strings.FieldsFunc(pattern, func(r rune) bool { return r == ':' || r == ',' }) {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

func readHostFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host file: %w", err)
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if h := strings.TrimSpace(scanner.Text()); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, scanner.Err()
}
