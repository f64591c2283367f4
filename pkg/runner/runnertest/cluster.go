package runnertest

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/boardwalk/boardwalk/pkg/inventory"
	"github.com/boardwalk/boardwalk/pkg/runner/ssh"
)

// Cluster is a set of simulated hosts addressed by inventory name.
type Cluster struct {
	mu    sync.Mutex
	hosts map[string]*Host
	addrs map[string]string
}

// NewCluster creates a simulated host for every inventory host.
func NewCluster(inv *inventory.Inventory) *Cluster {
	c := &Cluster{hosts: map[string]*Host{}, addrs: map[string]string{}}
	for _, name := range inv.Hosts() {
		c.hosts[name] = NewHost(name)
		addr := name
		if v, ok := inv.HostVars(name)["ansible_host"].(string); ok && v != "" {
			addr = v
		}
		c.addrs[addr] = name
	}
	return c
}

// Host returns the simulated host with the given inventory name.
func (c *Cluster) Host(name string) *Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hosts[name]
}

// Dial implements ssh.DialFunc.
func (c *Cluster) Dial(_ context.Context, cfg *ssh.Config) (ssh.Session, error) {
	c.mu.Lock()
	name, ok := c.addrs[cfg.Host]
	var h *Host
	if ok {
		h = c.hosts[name]
	}
	c.mu.Unlock()
	if h == nil {
		return nil, &ssh.TransportError{Op: "connect", Err: errors.New("no route to host"), IsTemporary: true}
	}
	if err := h.connect(); err != nil {
		return nil, err
	}
	return h, nil
}

// MustInventory parses a YAML inventory or panics.
func MustInventory(doc string) *inventory.Inventory {
	inv, err := inventory.Parse([]byte(doc))
	if err != nil {
		panic(err)
	}
	return inv
}

// NewRunner returns an SSH runner whose connections go to simulated hosts.
func NewRunner(inv *inventory.Inventory) (*ssh.Runner, *Cluster) {
	cluster := NewCluster(inv)
	cfg := ssh.DefaultConfig()
	cfg.User = "boardwalk"
	return ssh.New(inv, cfg, zerolog.Nop(), ssh.WithDialer(cluster.Dial)), cluster
}
