package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticResolverDedupes(t *testing.T) {
	r := NewStaticResolver(
		Item{ID: "a", Name: "shared.md"},
		Item{ID: "b", Name: "plan.md"},
	)
	r.Grant("agent-1", Item{ID: "a", Name: "duplicate of shared"}, Item{ID: "c", Name: "private.md"})

	items, err := r.Resolve(context.Background(), "run", "agent-1", "ch")
	if err != nil {
		t.Fatal(err)
	}
	if got := IDs(items); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("IDs = %v", got)
	}
	// First occurrence wins.
	if items[0].Name != "shared.md" {
		t.Errorf("item a = %+v", items[0])
	}

	// Another agent sees only the global set.
	items, err = r.Resolve(context.Background(), "run", "agent-2", "ch")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("agent-2 items = %v", IDs(items))
	}
}

func TestDirResolver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "hello")
	writeFile(t, dir, "brief.json", `{}`)
	writeFile(t, dir, ".hidden", "skip me")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewDirResolver(dir)
	items, err := r.Resolve(context.Background(), "run", "agent", "ch")
	if err != nil {
		t.Fatal(err)
	}

	if got := IDs(items); len(got) != 2 || got[0] != "brief.json" || got[1] != "notes.txt" {
		t.Fatalf("IDs = %v", got)
	}
	if items[1].ByteSize != 5 {
		t.Errorf("ByteSize = %d, want 5", items[1].ByteSize)
	}
	if items[1].StorageKey != filepath.Join(dir, "notes.txt") {
		t.Errorf("StorageKey = %q", items[1].StorageKey)
	}
}

func TestDirResolverMissingDir(t *testing.T) {
	r := NewDirResolver(filepath.Join(t.TempDir(), "nope"))
	if _, err := r.Resolve(context.Background(), "run", "agent", "ch"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
