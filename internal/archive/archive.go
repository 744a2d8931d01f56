// Package archive packs a document bundle, and optionally its backing PDF,
// into a single zip file and unpacks such files safely.
//
// Layout:
//
//	bundle/document.json
//	bundle/pages/... tiles/... notes/... assets/...
//	source/<name>.pdf   (optional)
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/bundle"
)

const (
	BundlePrefix = "bundle/"
	SourcePrefix = "source/"
)

// maxEntrySize caps a single extracted file.
const maxEntrySize = 1 << 30

// Result describes an unpacked archive.
type Result struct {
	// BundleDir is the extracted bundle directory.
	BundleDir string
	// PDF is the extracted backing file, empty when the archive has none.
	PDF string
}

// Pack writes the bundle at dir, plus pdf when not empty, to out. The
// archive appears atomically.
func Pack(ctx context.Context, dir, pdf, out string, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(filepath.Join(dir, bundle.ManifestName)); err != nil {
		return fmt.Errorf("archive: %s is not a bundle: %w", dir, apperr.ErrNotFound)
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), ".speedynote-pack-*")
	if err != nil {
		return fmt.Errorf("archive: create: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	files := 0
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files++
		return addFile(zw, BundlePrefix+filepath.ToSlash(rel), p)
	})
	if err != nil {
		return fmt.Errorf("archive: pack bundle: %w", err)
	}
	if pdf != "" {
		if err := addFile(zw, SourcePrefix+filepath.Base(pdf), pdf); err != nil {
			return fmt.Errorf("archive: pack pdf: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: finish: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return fmt.Errorf("archive: rename: %w", err)
	}
	logger.Info("archive: packed",
		slog.String("bundle", dir),
		slog.String("out", out),
		slog.Int("files", files),
		slog.Bool("pdf", pdf != ""))
	return nil
}

func addFile(zw *zip.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Unpack extracts the archive at src into dest. Archives without
// bundle/document.json, entries escaping dest and entries outside the
// bundle/ and source/ trees are rejected with ErrFormatInvalid; nothing is
// written in that case.
func Unpack(ctx context.Context, src, dest string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	zr, err := zip.OpenReader(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("archive: %s: %w", src, apperr.ErrNotFound)
		}
		return Result{}, fmt.Errorf("archive: %s: %v: %w", src, err, apperr.ErrFormatInvalid)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return Result{}, err
	}
	var res Result
	hasManifest := false
	targets := make([]string, len(zr.File))
	for i, f := range zr.File {
		target, err := entryPath(root, f.Name)
		if err != nil {
			return Result{}, err
		}
		targets[i] = target
		switch {
		case f.Name == BundlePrefix+bundle.ManifestName:
			hasManifest = true
		case strings.HasPrefix(f.Name, SourcePrefix) && strings.EqualFold(path.Ext(f.Name), ".pdf"):
			if res.PDF != "" {
				return Result{}, fmt.Errorf("archive: more than one source pdf: %w", apperr.ErrFormatInvalid)
			}
			res.PDF = target
		}
	}
	if !hasManifest {
		return Result{}, fmt.Errorf("archive: %s has no %s: %w", src, BundlePrefix+bundle.ManifestName, apperr.ErrFormatInvalid)
	}

	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if err := extract(f, targets[i]); err != nil {
			return Result{}, fmt.Errorf("archive: extract %s: %w", f.Name, err)
		}
	}
	res.BundleDir = filepath.Join(root, strings.TrimSuffix(BundlePrefix, "/"))
	logger.Info("archive: unpacked",
		slog.String("archive", src),
		slog.String("bundle", res.BundleDir),
		slog.Int("entries", len(zr.File)))
	return res, nil
}

// entryPath maps an entry name below root, refusing names that would land
// outside it.
func entryPath(root, name string) (string, error) {
	if name == "" || strings.Contains(name, `\`) || path.IsAbs(name) {
		return "", fmt.Errorf("archive: entry %q: %w", name, apperr.ErrFormatInvalid)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive: entry %q escapes destination: %w", name, apperr.ErrFormatInvalid)
	}
	if !strings.HasPrefix(clean+"/", BundlePrefix) && !strings.HasPrefix(clean+"/", SourcePrefix) {
		return "", fmt.Errorf("archive: unexpected entry %q: %w", name, apperr.ErrFormatInvalid)
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("archive: entry %q escapes destination: %w", name, apperr.ErrFormatInvalid)
	}
	return target, nil
}

func extract(f *zip.File, target string) error {
	if f.UncompressedSize64 > maxEntrySize {
		return fmt.Errorf("%d bytes: %w", f.UncompressedSize64, apperr.ErrResourceExhausted)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxEntrySize)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
