// Package inventory loads YAML host inventories and resolves host patterns
// against them.
package inventory

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Inventory is a parsed host inventory.
type Inventory struct {
	hosts  map[string]*Host
	groups map[string]*Group
}

// Host is an inventory host with its own variables.
type Host struct {
	Name   string
	Vars   map[string]any
	groups []string
}

// Group is a named set of hosts and child groups.
type Group struct {
	Name     string
	Vars     map[string]any
	Hosts    []string
	Children []string
	parents  []string
}

type groupDoc struct {
	Hosts    map[string]map[string]any `yaml:"hosts"`
	Vars     map[string]any            `yaml:"vars"`
	Children map[string]*groupDoc      `yaml:"children"`
}

// Load reads a YAML inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return inv, nil
}

// Parse parses YAML inventory content. The document is a map of top level
// groups, usually just "all".
func Parse(data []byte) (*Inventory, error) {
	var doc map[string]*groupDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	inv := &Inventory{
		hosts:  make(map[string]*Host),
		groups: map[string]*Group{"all": {Name: "all", Vars: map[string]any{}}},
	}
	for name, g := range doc {
		if err := inv.addGroup(name, g, ""); err != nil {
			return nil, err
		}
	}
	// Every host belongs to all, even if declared under a child only.
	all := inv.groups["all"]
	for name := range inv.hosts {
		if !contains(all.Hosts, name) {
			all.Hosts = append(all.Hosts, name)
		}
	}
	return inv, nil
}

func (inv *Inventory) addGroup(name string, doc *groupDoc, parent string) error {
	g, ok := inv.groups[name]
	if !ok {
		g = &Group{Name: name, Vars: map[string]any{}}
		inv.groups[name] = g
	}
	if parent != "" && !contains(g.parents, parent) {
		g.parents = append(g.parents, parent)
		pg := inv.groups[parent]
		if !contains(pg.Children, name) {
			pg.Children = append(pg.Children, name)
		}
	}
	if doc == nil {
		return nil
	}
	for k, v := range doc.Vars {
		g.Vars[k] = v
	}
	for hostName, vars := range doc.Hosts {
		h, ok := inv.hosts[hostName]
		if !ok {
			h = &Host{Name: hostName, Vars: map[string]any{}}
			inv.hosts[hostName] = h
		}
		for k, v := range vars {
			h.Vars[k] = v
		}
		if !contains(h.groups, name) {
			h.groups = append(h.groups, name)
		}
		if !contains(g.Hosts, hostName) {
			g.Hosts = append(g.Hosts, hostName)
		}
	}
	for childName, child := range doc.Children {
		if childName == name {
			return fmt.Errorf("group %s cannot be its own child", name)
		}
		if err := inv.addGroup(childName, child, name); err != nil {
			return err
		}
	}
	return nil
}

// Hosts returns every host name in ascending order.
func (inv *Inventory) Hosts() []string {
	names := make([]string, 0, len(inv.hosts))
	for name := range inv.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Host returns a host by name.
func (inv *Inventory) Host(name string) (*Host, bool) {
	h, ok := inv.hosts[name]
	return h, ok
}

// Group returns a group by name.
func (inv *Inventory) Group(name string) (*Group, bool) {
	g, ok := inv.groups[name]
	return g, ok
}

// HostVars returns the effective variables of a host: all, then parent
// groups before child groups, then the host's own variables. It always
// contains inventory_hostname.
func (inv *Inventory) HostVars(name string) map[string]any {
	vars := map[string]any{}
	h, ok := inv.hosts[name]
	if !ok {
		vars["inventory_hostname"] = name
		return vars
	}

	var order []string
	seen := map[string]bool{}
	var visit func(group string)
	visit = func(group string) {
		if seen[group] {
			return
		}
		seen[group] = true
		if g, ok := inv.groups[group]; ok {
			for _, p := range g.parents {
				visit(p)
			}
		}
		order = append(order, group)
	}
	visit("all")
	groups := append([]string(nil), h.groups...)
	sort.Strings(groups)
	for _, g := range groups {
		visit(g)
	}

	for _, g := range order {
		for k, v := range inv.groups[g].Vars {
			vars[k] = v
		}
	}
	for k, v := range h.Vars {
		vars[k] = v
	}
	vars["inventory_hostname"] = name
	vars["group_names"] = groups
	return vars
}

// AllHostVars returns HostVars for every host.
func (inv *Inventory) AllHostVars() map[string]map[string]any {
	out := make(map[string]map[string]any, len(inv.hosts))
	for name := range inv.hosts {
		out[name] = inv.HostVars(name)
	}
	return out
}

func (inv *Inventory) groupHosts(name string) []string {
	var hosts []string
	seen := map[string]bool{}
	var visit func(string)
	visit = func(group string) {
		if seen[group] {
			return
		}
		seen[group] = true
		g := inv.groups[group]
		hosts = append(hosts, g.Hosts...)
		for _, c := range g.Children {
			visit(c)
		}
	}
	visit(name)
	return hosts
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
