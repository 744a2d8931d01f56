package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/speedynote/internal/apperr"
)

func openDir(t *testing.T, minAge time.Duration) *Dir {
	t.Helper()
	d, err := Open(t.TempDir(), minAge, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCleanupKeepsLeasedBundles(t *testing.T) {
	d := openDir(t, 0)
	held, release, err := d.NewBundle("held doc")
	if err != nil {
		t.Fatal(err)
	}
	orphan, releaseOrphan, err := d.NewBundle("orphan")
	if err != nil {
		t.Fatal(err)
	}
	releaseOrphan()
	leftover := filepath.Join(d.ConvertDir(), "convert-1")
	if err := os.Mkdir(leftover, 0o755); err != nil {
		t.Fatal(err)
	}

	removed, err := d.Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(removed)
	want := []string{orphan, leftover}
	sort.Strings(want)
	if diff := cmp.Diff(want, removed); diff != "" {
		t.Errorf("removed (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(held); err != nil {
		t.Errorf("leased bundle removed: %v", err)
	}

	release()
	release()
	if d.Leased(held) {
		t.Error("still leased after release")
	}
	if removed, _ := d.Cleanup(context.Background()); len(removed) != 1 || removed[0] != held {
		t.Errorf("second cleanup removed %v", removed)
	}
}

func TestCleanupRespectsMinAge(t *testing.T) {
	d := openDir(t, time.Hour)
	dir, release, err := d.NewBundle("fresh")
	if err != nil {
		t.Fatal(err)
	}
	release()
	if removed, _ := d.Cleanup(context.Background()); len(removed) != 0 {
		t.Fatalf("fresh bundle removed: %v", removed)
	}
	d.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, _ := d.Cleanup(context.Background())
	if len(removed) != 1 || removed[0] != dir {
		t.Fatalf("removed = %v", removed)
	}
}

func TestAcquireOutsideCache(t *testing.T) {
	d := openDir(t, 0)
	if _, err := d.Acquire(t.TempDir()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := d.Acquire(filepath.Join(d.Root(), "bundles", "a", "b")); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("nested: err = %v", err)
	}
}

func TestSchedule(t *testing.T) {
	d := openDir(t, 0)
	if err := d.Schedule(context.Background(), "not a spec"); err == nil {
		t.Fatal("invalid spec accepted")
	}
	if err := d.Schedule(context.Background(), "@every 1s"); err != nil {
		t.Fatal(err)
	}
	d.Stop()
	d.Stop()
}
