// Package cache keeps a small fixed-capacity snapshot of the last command
// payload seen from the upstream switcher for each command name, replayed
// to a newly connected downstream session as soon as its handshake
// completes so it does not have to wait for the next organic switcher
// update to learn current tally/version state.
//
// A mutex protects the map so a Cache can be shared between goroutines. In
// cmd/atem-proxy, Put and Snapshot run on the server's dispatch goroutine
// (Server.Broadcast and the connect-time replay), while LoadFile and
// SaveFile run on the main goroutine before and after the server runs.
package cache

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

// Cache holds the most recently seen payload for each command name. Zero
// value is not usable; construct with New.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint32][]byte
	order   []uint32
	limit   int
}

// New creates a Cache holding at most limit distinct command names,
// evicting the least recently updated one once full.
func New(limit int) *Cache {
	return &Cache{
		entries: make(map[uint32][]byte, limit),
		limit:   limit,
	}
}

// Put records cmd's payload as the latest snapshot for its command name,
// overwriting any previous value and marking it most-recently-updated.
func (c *Cache) Put(cmd wire.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := make([]byte, len(cmd.Payload))
	copy(payload, cmd.Payload)

	if _, exists := c.entries[cmd.Name]; !exists && len(c.entries) >= c.limit {
		c.evictOldest()
	}
	c.entries[cmd.Name] = payload
	c.touch(cmd.Name)
}

// touch moves name to the end of the eviction order, must be called with
// mu held.
func (c *Cache) touch(name uint32) {
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, name)
}

// evictOldest drops the least recently updated entry, must be called with
// mu held.
func (c *Cache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// Snapshot returns every cached command as {name, payload} records, in an
// unspecified but stable-for-one-call order, ready to be encoded back into
// command records and sent to a newly connected session.
func (c *Cache) Snapshot() []wire.Command {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]wire.Command, 0, len(c.entries))
	for _, name := range c.order {
		payload := c.entries[name]
		cp := make([]byte, len(payload))
		copy(cp, payload)
		out = append(out, wire.Command{Name: name, Payload: cp})
	}
	return out
}

// Len reports how many distinct command names are currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// snapshotEntry is the on-disk form of one cached command: the 4-character
// ASCII command name and its raw payload bytes.
type snapshotEntry struct {
	Name    string `yaml:"name"`
	Payload []byte `yaml:"payload"`
}

// SaveFile writes the cache contents to a YAML file at path, so a restarted
// proxy can serve recent tally/version state before the switcher resends it
// (cache.snapshot_path in the proxy config).
func (c *Cache) SaveFile(path string) error {
	entries := make([]snapshotEntry, 0, c.Len())
	for _, cmd := range c.Snapshot() {
		entries = append(entries, snapshotEntry{Name: nameString(cmd.Name), Payload: cmd.Payload})
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache snapshot %s: %w", path, err)
	}
	return nil
}

// LoadFile restores a snapshot previously written by SaveFile, in its saved
// update order. Entries whose name is not exactly 4 bytes are skipped; a
// missing file is not an error (there is simply nothing to restore).
func (c *Cache) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache snapshot %s: %w", path, err)
	}
	var entries []snapshotEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal cache snapshot %s: %w", path, err)
	}
	for _, e := range entries {
		if len(e.Name) != 4 {
			continue
		}
		name := uint32(e.Name[0])<<24 | uint32(e.Name[1])<<16 | uint32(e.Name[2])<<8 | uint32(e.Name[3])
		c.Put(wire.Command{Name: name, Payload: e.Payload})
	}
	return nil
}

func nameString(name uint32) string {
	return string([]byte{byte(name >> 24), byte(name >> 16), byte(name >> 8), byte(name)})
}
