package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/parser"
	"github.com/starford/speedynote/internal/storage"
	"github.com/starford/speedynote/internal/tilestore"
)

// Bundle is a document directory on disk.
type Bundle struct {
	fs     storage.Provider
	logger *slog.Logger
}

// New wraps an existing provider.
func New(p storage.Provider, logger *slog.Logger) *Bundle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundle{fs: p, logger: logger}
}

// Create makes dir and returns an empty bundle in it. A directory that
// already holds a manifest is refused.
func Create(dir string, logger *slog.Logger) (*Bundle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bundle: create %s: %w", dir, err)
	}
	p, err := storage.NewFS(dir)
	if err != nil {
		return nil, err
	}
	if p.Exists(ManifestName) {
		return nil, fmt.Errorf("bundle: %s: %w", dir, apperr.ErrAlreadyExists)
	}
	return New(p, logger), nil
}

// Open returns the bundle in dir. The directory must hold a manifest.
// Temporary files of a save that never finished are removed.
func Open(dir string, logger *slog.Logger) (*Bundle, error) {
	p, err := storage.NewFS(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("bundle: %s: %w", dir, apperr.ErrNotFound)
		}
		return nil, err
	}
	if !p.Exists(ManifestName) {
		return nil, fmt.Errorf("bundle: %s has no %s: %w", dir, ManifestName, apperr.ErrNotFound)
	}
	b := New(p, logger)
	removed, err := p.Sweep()
	if len(removed) > 0 {
		b.logger.Warn("bundle: removed leftovers of an interrupted save",
			slog.String("root", p.Root()),
			slog.Int("files", len(removed)))
	}
	if err != nil {
		b.logger.Warn("bundle: sweep failed", slog.String("root", p.Root()), slog.String("error", err.Error()))
	}
	return b, nil
}

// Root returns the bundle directory.
func (b *Bundle) Root() string { return b.fs.Root() }

// Storage returns the underlying provider.
func (b *Bundle) Storage() storage.Provider { return b.fs }

// LoadTile implements tilestore.Source.
func (b *Bundle) LoadTile(key models.TileKey) ([]byte, error) {
	return b.fs.Read(tilePath(key))
}

// Manifest reads and validates document.json.
func (b *Bundle) Manifest() (*Manifest, error) {
	data, err := b.fs.Read(ManifestName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("bundle: %s: %w", ManifestName, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return DecodeManifest(data)
}

// Load rebuilds the document. Pages and notes whose files are missing or
// corrupt come back empty or absent; each such case is returned as a
// warning wrapping ErrIntegrity. Tiles load lazily through the tile store.
func (b *Bundle) Load(tiles tilestore.Config) (*document.Document, []error, error) {
	m, err := b.Manifest()
	if err != nil {
		return nil, nil, err
	}
	if m.TileSize > 0 {
		tiles.Size = m.TileSize
	}
	var warnings []error
	warn := func(err error) {
		b.logger.Warn("bundle: recovered", slog.String("error", err.Error()))
		warnings = append(warnings, err)
	}

	parts := document.Parts{
		Options: document.Options{
			ID:         m.ID,
			Title:      m.Title,
			Kind:       m.Kind,
			PageSize:   m.PageSize,
			Background: m.Background,
			Tiles:      tiles,
			Logger:     b.logger,
		},
		Links: m.Links,
	}
	if m.PDF != nil {
		parts.PDF = *m.PDF
	}
	for _, pe := range m.Pages {
		p := &models.Page{
			ID:         pe.ID,
			Size:       models.Size{Width: pe.Width, Height: pe.Height},
			Background: pe.Background,
			PDFPage:    pe.PDFPage,
		}
		layers, err := b.readPage(pe.ID)
		if err != nil {
			warn(err)
			layers = []models.Layer{{ID: uuid.NewString(), Name: "Layer 1", Visible: true}}
		}
		p.Layers = layers
		parts.Pages = append(parts.Pages, p)
	}
	for _, s := range m.Tiles {
		k, _ := models.ParseTileKey(s)
		parts.PersistedTiles = append(parts.PersistedTiles, k)
		if r, ok := m.TileExtents[s]; ok {
			if parts.TileExtents == nil {
				parts.TileExtents = make(map[models.TileKey]models.Rect)
			}
			parts.TileExtents[k] = r
		}
	}
	if m.Kind == models.KindEdgeless {
		parts.TileSource = b
	}
	for _, id := range m.Notes {
		data, err := b.fs.Read(notePath(id))
		if err != nil {
			warn(fmt.Errorf("bundle: note %s: %w: %v", id, apperr.ErrIntegrity, err))
			continue
		}
		r, err := parser.Parse(id, data)
		if err != nil {
			warn(fmt.Errorf("bundle: note %s: %w: %v", id, apperr.ErrIntegrity, err))
			continue
		}
		parts.Notes = append(parts.Notes, r.Note)
	}

	d, err := document.Restore(parts)
	if err != nil {
		return nil, warnings, err
	}
	b.logger.Info("bundle: loaded",
		slog.String("root", b.Root()),
		slog.String("kind", string(m.Kind)),
		slog.Int("pages", len(m.Pages)),
		slog.Int("tiles", len(m.Tiles)),
		slog.Int("notes", len(parts.Notes)))
	return d, warnings, nil
}

func (b *Bundle) readPage(id string) ([]models.Layer, error) {
	data, err := b.fs.Read(pagePath(id))
	if err != nil {
		return nil, fmt.Errorf("bundle: page %s: %w: %v", id, apperr.ErrIntegrity, err)
	}
	var pf pageFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("bundle: page %s: %w: %v", id, apperr.ErrIntegrity, err)
	}
	if pf.ID != id || len(pf.Layers) == 0 {
		return nil, fmt.Errorf("bundle: page %s: %w: bad page file", id, apperr.ErrIntegrity)
	}
	return pf.Layers, nil
}

// PutAsset stores an opaque blob and returns its bundle-relative name.
// Only the extension of name is kept.
func (b *Bundle) PutAsset(name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("bundle: empty asset: %w", apperr.ErrInvalidSelection)
	}
	ext := strings.ToLower(path.Ext(name))
	stored := uuid.NewString() + ext
	if err := b.fs.Write(assetPath(stored), data); err != nil {
		return "", err
	}
	return stored, nil
}

// Asset returns a stored blob.
func (b *Bundle) Asset(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("bundle: asset %q: %w", name, apperr.ErrInvalidSelection)
	}
	data, err := b.fs.Read(assetPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("bundle: asset %s: %w", name, apperr.ErrNotFound)
	}
	return data, err
}
