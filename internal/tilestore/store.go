// Package tilestore partitions the edgeless canvas into fixed-size tiles and
// loads, tracks and evicts their content on demand.
package tilestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sort"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/models"
)

// DefaultSize is the edge length of a tile in document units.
const DefaultSize = 1024

// Source supplies persisted tile bytes. A tile that was never saved must be
// reported with an error wrapping fs.ErrNotExist.
type Source interface {
	LoadTile(key models.TileKey) ([]byte, error)
}

// Config controls tile geometry.
type Config struct {
	Size   float64
	Margin float64 // prefetch margin around the viewport, document units
}

// Warning records a tile whose persisted bytes could not be decoded.
type Warning struct {
	Key models.TileKey
	Err error
}

type entry struct {
	tile     *models.Tile
	gen      uint64
	savedGen uint64

	extent    models.Rect
	extentGen uint64
	extentOK  bool
}

func (e *entry) dirty() bool { return e.gen != e.savedGen }

// Store is the in-memory tile map. It is not safe for concurrent use; the
// owning viewport serializes access.
type Store struct {
	size   float64
	margin float64
	src    Source
	logger *slog.Logger

	entries   map[models.TileKey]*entry
	persisted map[models.TileKey]struct{}
	// extents holds the content bounds of tiles that are not in memory.
	extents  map[models.TileKey]models.Rect
	warnings []Warning
}

// New creates a store. persisted lists the keys known to exist in src.
func New(cfg Config, src Source, persisted []models.TileKey, logger *slog.Logger) *Store {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Margin < 0 {
		cfg.Margin = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		size:      cfg.Size,
		margin:    cfg.Margin,
		src:       src,
		logger:    logger,
		entries:   make(map[models.TileKey]*entry),
		persisted: make(map[models.TileKey]struct{}, len(persisted)),
		extents:   make(map[models.TileKey]models.Rect),
	}
	for _, k := range persisted {
		s.persisted[k] = struct{}{}
	}
	return s
}

// SetExtents records the content bounds of persisted tiles, as written by
// a previous save. Persisted tiles without a recorded extent are assumed to
// stay inside their own region.
func (s *Store) SetExtents(ext map[models.TileKey]models.Rect) {
	for k, r := range ext {
		if _, ok := s.persisted[k]; ok {
			s.extents[k] = r
		}
	}
}

// Extent returns the content bounds of key without loading it.
func (s *Store) Extent(key models.TileKey) models.Rect {
	if e, ok := s.entries[key]; ok {
		if !e.extentOK || e.extentGen != e.gen {
			e.extent, e.extentGen, e.extentOK = e.tile.Extent(), e.gen, true
		}
		return e.extent
	}
	if r, ok := s.extents[key]; ok {
		return r
	}
	if _, ok := s.persisted[key]; ok {
		return s.Bounds(key)
	}
	return models.Rect{}
}

// Reaching returns the keys, loaded or not, whose content intersects area,
// sorted.
func (s *Store) Reaching(area models.Rect) []models.TileKey {
	var out []models.TileKey
	for _, k := range s.Keys() {
		if s.Extent(k).Intersects(area) {
			out = append(out, k)
		}
	}
	return out
}

// Size returns the tile edge length.
func (s *Store) Size() float64 { return s.size }

// Margin returns the prefetch margin.
func (s *Store) Margin() float64 { return s.margin }

// KeyFor maps a world position to the key of the tile containing it.
func (s *Store) KeyFor(p models.Vec) models.TileKey {
	return models.TileKey{
		X: int(math.Floor(p.X / s.size)),
		Y: int(math.Floor(p.Y / s.size)),
	}
}

// Bounds returns the world region covered by key.
func (s *Store) Bounds(key models.TileKey) models.Rect {
	return models.Rect{
		X: float64(key.X) * s.size,
		Y: float64(key.Y) * s.size,
		W: s.size,
		H: s.size,
	}
}

// Get returns the tile for key, loading it from the source on first access
// or creating an empty one. Repeated calls return the same tile.
func (s *Store) Get(key models.TileKey) *models.Tile {
	if e, ok := s.entries[key]; ok {
		return e.tile
	}
	tile := s.load(key)
	s.entries[key] = &entry{tile: tile}
	return tile
}

func (s *Store) load(key models.TileKey) *models.Tile {
	empty := &models.Tile{Key: key}
	if s.src == nil {
		return empty
	}
	data, err := s.src.LoadTile(key)
	if errors.Is(err, fs.ErrNotExist) {
		return empty
	}
	if err == nil {
		var t *models.Tile
		t, err = Decode(key, data)
		if err == nil {
			return t
		}
	}
	w := Warning{Key: key, Err: fmt.Errorf("tile %s: %w: %v", key, apperr.ErrIntegrity, err)}
	s.warnings = append(s.warnings, w)
	s.logger.Warn("tilestore: corrupt tile recovered as empty",
		slog.String("tile", key.String()),
		slog.String("error", err.Error()))
	return empty
}

// Peek returns the tile only if it is in memory.
func (s *Store) Peek(key models.TileKey) (*models.Tile, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.tile, true
}

// Has reports whether key exists in the source or holds content in memory.
// Tiles that were only read and never written do not count.
func (s *Store) Has(key models.TileKey) bool {
	if _, ok := s.persisted[key]; ok {
		return true
	}
	e, ok := s.entries[key]
	return ok && (!e.tile.Empty() || e.dirty())
}

// Loaded returns the keys currently held in memory, sorted.
func (s *Store) Loaded() []models.TileKey {
	out := make([]models.TileKey, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// Keys returns every persisted key plus every in-memory tile with content.
func (s *Store) Keys() []models.TileKey {
	seen := make(map[models.TileKey]struct{}, len(s.persisted)+len(s.entries))
	for k := range s.persisted {
		seen[k] = struct{}{}
	}
	for k, e := range s.entries {
		if !e.tile.Empty() || e.dirty() {
			seen[k] = struct{}{}
		}
	}
	out := make([]models.TileKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// MaxVisibleTiles caps the number of keys VisibleKeys will enumerate.
const MaxVisibleTiles = 16384

// VisibleKeys returns the keys whose region intersects view grown by the
// prefetch margin, ordered row by row. Views spanning more than
// MaxVisibleTiles tiles, or with non-finite coordinates, are rejected.
func (s *Store) VisibleKeys(view models.Rect) ([]models.TileKey, error) {
	r := view.Expand(s.margin)
	fx0, fy0 := math.Floor(r.X/s.size), math.Floor(r.Y/s.size)
	fx1 := math.Max(fx0, math.Ceil(r.MaxX()/s.size)-1)
	fy1 := math.Max(fy0, math.Ceil(r.MaxY()/s.size)-1)
	for _, f := range []float64{fx0, fy0, fx1, fy1} {
		if math.IsNaN(f) || math.Abs(f) > math.MaxInt32 {
			return nil, fmt.Errorf("tilestore: view %v: %w", view, apperr.ErrInvalidArgument)
		}
	}
	if n := (fx1 - fx0 + 1) * (fy1 - fy0 + 1); n > MaxVisibleTiles {
		return nil, fmt.Errorf("tilestore: view spans %.0f tiles (max %d): %w", n, MaxVisibleTiles, apperr.ErrViewTooLarge)
	}
	x0, y0, x1, y1 := int(fx0), int(fy0), int(fx1), int(fy1)

	out := make([]models.TileKey, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, models.TileKey{X: x, Y: y})
		}
	}
	return out, nil
}

// InMargin reports whether key lies within the prefetch margin of view.
func (s *Store) InMargin(key models.TileKey, view models.Rect) bool {
	return s.Bounds(key).Intersects(view.Expand(s.margin))
}

// Evict drops key from memory. Dirty tiles and tiles inside the prefetch
// margin of view are refused.
func (s *Store) Evict(key models.TileKey, view models.Rect) error {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.dirty() {
		return fmt.Errorf("tilestore: evict %s: %w", key, apperr.ErrTileDirty)
	}
	if s.InMargin(key, view) {
		return fmt.Errorf("tilestore: evict %s: %w", key, apperr.ErrTileVisible)
	}
	s.forget(key)
	return nil
}

// forget drops a clean tile from memory, keeping its extent for Reaching.
func (s *Store) forget(key models.TileKey) {
	if _, ok := s.persisted[key]; ok {
		s.extents[key] = s.Extent(key)
	}
	delete(s.entries, key)
}

// EvictOutside evicts every clean tile outside the prefetch margin of view
// and returns the evicted keys. Tiles whose content reaches into the margin
// are kept.
func (s *Store) EvictOutside(view models.Rect) []models.TileKey {
	grown := view.Expand(s.margin)
	var out []models.TileKey
	for k, e := range s.entries {
		if e.dirty() || s.InMargin(k, view) || s.Extent(k).Intersects(grown) {
			continue
		}
		s.forget(k)
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// MarkDirty records an unsaved edit on key, loading the tile if needed.
func (s *Store) MarkDirty(key models.TileKey) {
	s.Get(key)
	s.entries[key].gen++
}

// IsDirty reports whether key has unsaved edits.
func (s *Store) IsDirty(key models.TileKey) bool {
	e, ok := s.entries[key]
	return ok && e.dirty()
}

// DirtyTile is a snapshot of an unsaved tile taken for serialization.
type DirtyTile struct {
	Key  models.TileKey
	Gen  uint64
	Tile *models.Tile
}

// Dirty returns deep copies of every dirty tile, sorted by key.
func (s *Store) Dirty() []DirtyTile {
	var out []DirtyTile
	for k, e := range s.entries {
		if e.dirty() {
			out = append(out, DirtyTile{Key: k, Gen: e.gen, Tile: e.tile.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// MarkSaved clears the dirty flag of key if no edit happened after gen.
// extent is the content bounds of the version written.
func (s *Store) MarkSaved(key models.TileKey, gen uint64, extent models.Rect) {
	s.persisted[key] = struct{}{}
	s.extents[key] = extent
	if e, ok := s.entries[key]; ok && e.gen == gen {
		e.savedGen = gen
	}
}

// MarkRemoved records that the file of an emptied tile was deleted.
func (s *Store) MarkRemoved(key models.TileKey, gen uint64) {
	delete(s.persisted, key)
	delete(s.extents, key)
	if e, ok := s.entries[key]; ok && e.gen == gen {
		e.savedGen = gen
	}
}

// Gen returns the edit generation of key; tiles not in memory report 0.
func (s *Store) Gen(key models.TileKey) uint64 {
	if e, ok := s.entries[key]; ok {
		return e.gen
	}
	return 0
}

// DiscardDirty drops every unsaved tile from memory. The next Get reloads
// the persisted version.
func (s *Store) DiscardDirty() []models.TileKey {
	var out []models.TileKey
	for k, e := range s.entries {
		if e.dirty() {
			delete(s.entries, k)
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// Warnings returns the integrity warnings raised so far.
func (s *Store) Warnings() []Warning {
	return append([]Warning(nil), s.warnings...)
}

// Encode serializes a tile for storage.
func Encode(t *models.Tile) ([]byte, error) {
	return json.MarshalIndent(t, "", " ")
}

// Decode parses tile bytes and checks they belong to key.
func Decode(key models.TileKey, data []byte) (*models.Tile, error) {
	var t models.Tile
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Key != key {
		return nil, fmt.Errorf("key mismatch: file holds %s", t.Key)
	}
	return &t, nil
}

func keyLess(a, b models.TileKey) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

func sortKeys(ks []models.TileKey) {
	sort.Slice(ks, func(i, j int) bool { return keyLess(ks[i], ks[j]) })
}
