package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempBundle(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempBundle(t)
	content := []byte(`{"kind":"edgeless"}`)
	if err := s.Write("document.json", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("document.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
	if !s.Exists("document.json") {
		t.Error("Exists = false after write")
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempBundle(t)
	if err := s.Write("tiles/2_0.json", []byte("{}")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "tiles", "2_0.json")); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	s := tempBundle(t)
	_ = s.Write("notes/a.md", []byte("bye"))
	if err := s.Delete("notes/a.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("notes/a.md"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if s.Exists("notes/a.md") {
		t.Error("file still exists")
	}
}

func TestSweepRemovesInterruptedWrites(t *testing.T) {
	s := tempBundle(t)
	_ = s.Write("tiles/0_0.json", []byte("kept"))
	stale := filepath.Join(s.Root(), "tiles", tmpPrefix+"123")
	if err := os.WriteFile(stale, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}

	if items, _ := s.List("tiles", ""); len(items) != 1 {
		t.Errorf("List shows temp files: %+v", items)
	}
	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "tiles/"+tmpPrefix+"123" {
		t.Errorf("removed = %v", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("temp file survived sweep")
	}
	if !s.Exists("tiles/0_0.json") {
		t.Error("sweep removed a real file")
	}
}

func TestListFiltersByExtension(t *testing.T) {
	s := tempBundle(t)
	_ = s.Write("tiles/0_0.json", []byte("a"))
	_ = s.Write("tiles/1_0.json", []byte("b"))
	_ = s.Write("tiles/readme.txt", []byte("no"))

	items, err := s.List("tiles", ".json")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].Path != "tiles/0_0.json" {
		t.Errorf("path = %q, want tiles/0_0.json", items[0].Path)
	}
}

func TestListMissingDir(t *testing.T) {
	s := tempBundle(t)
	items, err := s.List("notes", ".md")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len = %d, want 0", len(items))
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempBundle(t)
	for _, p := range []string{"../../etc/passwd", "../outside.json", "/etc/shadow", "notes/../../x.md"} {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := tempBundle(t)
	_ = s.Write("document.json", []byte("original"))
	if err := s.Write("document.json", []byte("updated")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("document.json")
	if string(got) != "updated" {
		t.Errorf("expected updated content, got %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for non-existent dir")
	}
}
