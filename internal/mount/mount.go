// Package mount resolves the file-like context items visible to a turn.
package mount

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Item is one file-like context item exposed to an agent.
type Item struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	MimeType   string   `json:"mimeType"`
	ByteSize   int64    `json:"byteSize"`
	StorageKey string   `json:"storageKey"`
	Tags       []string `json:"tags,omitempty"`
}

// Resolver returns the de-duplicated set of items visible to a turn.
type Resolver interface {
	Resolve(ctx context.Context, runID, agentID, channelID string) ([]Item, error)
}

// StaticResolver serves a fixed item set, optionally scoped per agent.
// The zero value resolves to nothing.
type StaticResolver struct {
	mu      sync.RWMutex
	global  []Item
	byAgent map[string][]Item
}

// NewStaticResolver returns a resolver serving the given global items.
func NewStaticResolver(items ...Item) *StaticResolver {
	return &StaticResolver{global: items}
}

// Grant adds items visible only to the given agent.
func (r *StaticResolver) Grant(agentID string, items ...Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byAgent == nil {
		r.byAgent = make(map[string][]Item)
	}
	r.byAgent[agentID] = append(r.byAgent[agentID], items...)
}

// Resolve returns global items plus the agent's grants, de-duplicated by ID.
func (r *StaticResolver) Resolve(_ context.Context, _, agentID, _ string) ([]Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return dedupe(append(append([]Item{}, r.global...), r.byAgent[agentID]...)), nil
}

// DirResolver exposes the regular files of a directory as mount items. Item
// IDs are the file names; the listing is recomputed per resolve so external
// writes show up.
type DirResolver struct {
	dir string
}

// NewDirResolver returns a resolver over dir.
func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{dir: dir}
}

// Resolve lists the directory's regular files sorted by name.
func (r *DirResolver) Resolve(ctx context.Context, _, _, _ string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading mount dir: %w", err)
	}

	var items []Item
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, Item{
			ID:         entry.Name(),
			Name:       entry.Name(),
			MimeType:   mimeTypeFor(entry.Name()),
			ByteSize:   info.Size(),
			StorageKey: filepath.Join(r.dir, entry.Name()),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// IDs extracts the ID set of an item list, preserving order.
func IDs(items []Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

// dedupe keeps the first occurrence of each item ID.
func dedupe(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		if item.ID == "" || seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		out = append(out, item)
	}
	return out
}

func mimeTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
