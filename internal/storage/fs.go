package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/speedynote/internal/checksum"
)

// tmpPrefix marks files of a write in progress. They are invisible to List
// and removed by Sweep.
const tmpPrefix = ".speedynote-tmp-"

// FS implements Provider on a local bundle directory.
type FS struct {
	root string
}

// NewFS returns a provider rooted at dir, which must exist.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute bundle directory.
func (f *FS) Root() string { return f.root }

// resolve maps a slash-separated bundle path to an absolute one inside the
// root.
func (f *FS) resolve(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	local := filepath.FromSlash(rel)
	if filepath.IsAbs(local) || !filepath.IsLocal(local) {
		return "", fmt.Errorf("storage: path escapes bundle root: %s", rel)
	}
	return filepath.Join(f.root, local), nil
}

func (f *FS) rel(abs string) string {
	r, _ := filepath.Rel(f.root, abs)
	return filepath.ToSlash(r)
}

// List walks dir and returns every file whose name ends with ext. A missing
// dir yields an empty list.
func (f *FS) List(dir, ext string) ([]FileInfo, error) {
	base, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		switch {
		case walkErr != nil && p == base && errors.Is(walkErr, fs.ErrNotExist):
			return fs.SkipAll
		case walkErr != nil:
			return walkErr
		case d.IsDir(), isTemp(d.Name()), !strings.HasSuffix(d.Name(), ext):
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{
			Path:      f.rel(p),
			Checksum:  checksum.Sum(data),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	return out, nil
}

// Read returns the content of a bundle file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether path names an existing regular file.
func (f *FS) Exists(path string) bool {
	abs, err := f.resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// Write replaces path with content. The bytes go to a synced temporary file
// in the same directory that is then renamed over the target, and the
// directory is synced so the rename survives a crash. Readers see the old
// or the new content, never a mix.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", f.rel(dir), err)
	}
	tmp, err := writeTemp(dir, content)
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: replace %s: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("storage: sync %s: %w", f.rel(dir), err)
	}
	return nil
}

func writeTemp(dir string, content []byte) (name string, err error) {
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(content); err != nil {
		return "", err
	}
	if err = tmp.Sync(); err != nil {
		return "", err
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}

// Delete removes a file from the bundle. A missing file is not an error.
func (f *FS) Delete(path string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// Sweep removes temporary files left behind by writes that never finished
// and returns their bundle paths.
func (f *FS) Sweep() ([]string, error) {
	var removed []string
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isTemp(d.Name()) {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed = append(removed, f.rel(p))
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("storage: sweep: %w", err)
	}
	return removed, nil
}

func isTemp(name string) bool { return strings.HasPrefix(name, tmpPrefix) }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some file systems cannot sync a directory; the rename already happened.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return nil
}
