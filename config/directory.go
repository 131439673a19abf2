package config

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

type PeerEntry struct {
	Name string
	Host string
	Port uint16
}

func (p PeerEntry) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// Directory maps peer name to address. A Directory is never mutated after
// construction; reload builds a new one.
type Directory struct {
	entries map[string]PeerEntry
}

func NewDirectory(entries ...PeerEntry) (*Directory, error) {
	d := &Directory{
		entries: make(map[string]PeerEntry, len(entries)),
	}

	for _, entry := range entries {
		if entry.Name == "" {
			err := fmt.Errorf("empty peer name, entry=%+v", entry)
			zap.S().Warnf("%s", err.Error())
			return nil, err
		}

		_, found := d.entries[entry.Name]
		if found {
			err := fmt.Errorf("duplicate peer name=%s", entry.Name)
			zap.S().Warnf("%s", err.Error())
			return nil, err
		}

		d.entries[entry.Name] = entry
	}

	return d, nil
}

// Directory builds the peer directory described by c.
func (c *Config) Directory() (*Directory, error) {
	entries := make([]PeerEntry, 0, len(c.Peers))
	for name, peer := range c.Peers {
		entries = append(entries, PeerEntry{
			Name: name,
			Host: peer.IP,
			Port: peer.Port,
		})
	}
	return NewDirectory(entries...)
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

func (d *Directory) Get(name string) (PeerEntry, bool) {
	if d == nil {
		return PeerEntry{}, false
	}
	entry, found := d.entries[name]
	return entry, found
}

// Names returns peer names in sorted order.
func (d *Directory) Names() []string {
	if d == nil {
		return nil
	}
	names := lo.Keys(d.entries)
	sort.Strings(names)
	return names
}

// Entries returns peers sorted by name.
func (d *Directory) Entries() []PeerEntry {
	return lo.Map(d.Names(), func(name string, _ int) PeerEntry {
		return d.entries[name]
	})
}
