package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"github.com/starford/speedynote/internal/converter"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/tilestore"
	"github.com/starford/speedynote/internal/viewport"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Document  DocumentConfig    `yaml:"document"`
	Viewport  ViewportConfig    `yaml:"viewport"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Cache     CacheConfig       `yaml:"cache"`
	Converter converter.Config  `yaml:"converter"`
	// Shortcuts maps action names to key sequences. Read-only for the app.
	Shortcuts map[string]string `yaml:"shortcuts"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.App, &c.Document, &c.Viewport, &c.SQLite, &c.Auth, &c.Cache, &c.Converter,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return ValidateShortcuts(c.Shortcuts)
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// DocumentConfig names the bundle the server opens and what to create
// when it does not exist yet.
type DocumentConfig struct {
	Path       string                `yaml:"path"`
	Title      string                `yaml:"title"`
	Kind       models.DocumentKind   `yaml:"kind"`
	PageWidth  float64               `yaml:"page_width"`
	PageHeight float64               `yaml:"page_height"`
	Background models.BackgroundKind `yaml:"background"`
}

// Validate validates the document configuration.
func (c *DocumentConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Kind, validation.In(models.KindPagedBlank, models.KindEdgeless)),
		validation.Field(&c.PageWidth, validation.Min(0.0)),
		validation.Field(&c.PageHeight, validation.Min(0.0)),
		validation.Field(&c.Background, validation.In(models.BackgroundNone, models.BackgroundGrid, models.BackgroundLines)),
	)
}

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// ViewportConfig holds the drawing and rendering tunables.
type ViewportConfig struct {
	PageGap          float64 `yaml:"page_gap"`
	PenWidth         float64 `yaml:"pen_width"`
	MarkerWidth      float64 `yaml:"marker_width"`
	HighlighterWidth float64 `yaml:"highlighter_width"`
	PenColor         string  `yaml:"pen_color"`
	MarkerColor      string  `yaml:"marker_color"`
	HighlighterColor string  `yaml:"highlighter_color"`
	EraserRadius     float64 `yaml:"eraser_radius"`
	HitTolerance     float64 `yaml:"hit_tolerance"`
	UndoLimit        int     `yaml:"undo_limit"`
	RenderWorkers    int     `yaml:"render_workers"`
	TileSize         float64 `yaml:"tile_size"`
	TileMargin       float64 `yaml:"tile_margin"`
}

// Validate validates the viewport configuration.
func (c *ViewportConfig) Validate() error {
	color := validation.Match(hexColor).Error("must be #rgb, #rrggbb or #rrggbbaa")
	return validation.ValidateStruct(c,
		validation.Field(&c.PenWidth, validation.Min(0.0)),
		validation.Field(&c.MarkerWidth, validation.Min(0.0)),
		validation.Field(&c.HighlighterWidth, validation.Min(0.0)),
		validation.Field(&c.PenColor, color),
		validation.Field(&c.MarkerColor, color),
		validation.Field(&c.HighlighterColor, color),
		validation.Field(&c.UndoLimit, validation.Min(0)),
		validation.Field(&c.RenderWorkers, validation.Min(0), validation.Max(64)),
		validation.Field(&c.TileSize, validation.Min(0.0)),
		validation.Field(&c.TileMargin, validation.Min(0.0)),
	)
}

// Options converts the section into viewport settings. Zero fields keep
// the viewport defaults.
func (c *ViewportConfig) Options() viewport.Config {
	out := viewport.DefaultConfig()
	setF := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	setS := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setF(&out.PageGap, c.PageGap)
	setF(&out.PenWidth, c.PenWidth)
	setF(&out.MarkerWidth, c.MarkerWidth)
	setF(&out.HighlighterWidth, c.HighlighterWidth)
	setS(&out.PenColor, c.PenColor)
	setS(&out.MarkerColor, c.MarkerColor)
	setS(&out.HighlighterColor, c.HighlighterColor)
	setF(&out.EraserRadius, c.EraserRadius)
	setF(&out.HitTolerance, c.HitTolerance)
	setF(&out.Tiles.Size, c.TileSize)
	setF(&out.Tiles.Margin, c.TileMargin)
	if c.UndoLimit > 0 {
		out.UndoLimit = c.UndoLimit
	}
	if c.RenderWorkers > 0 {
		out.RenderWorkers = c.RenderWorkers
	}
	return out
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// CacheConfig holds the scratch directory for unpacked archives and
// converter output.
type CacheConfig struct {
	Dir string `yaml:"dir"`
	// MinAge protects entries younger than this from cleanup.
	MinAge time.Duration `yaml:"min_age"`
	// Schedule is a cron spec for cleanup; empty disables it.
	Schedule string `yaml:"schedule"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.MinAge, validation.Min(time.Duration(0))),
		validation.Field(&c.Schedule, validation.By(func(v any) error {
			s, _ := v.(string)
			if s == "" {
				return nil
			}
			_, err := cron.ParseStandard(s)
			return err
		})),
	)
}

// ShortcutActions lists the actions a shortcut may be bound to: every
// tool mode plus the document commands.
var ShortcutActions = func() map[string]bool {
	out := map[string]bool{
		"undo": true, "redo": true, "save": true, "discard": true, "export": true,
		"delete_selection": true, "add_layer": true, "toggle_layer": true,
		"zoom_in": true, "zoom_out": true, "zoom_reset": true,
		"link_slot_1": true, "link_slot_2": true, "link_slot_3": true,
	}
	for _, m := range viewport.Modes {
		out["mode_"+string(m)] = true
	}
	return out
}()

// ValidateShortcuts rejects unknown actions, empty bindings and one key
// sequence bound to two actions.
func ValidateShortcuts(m map[string]string) error {
	var errs []error
	bound := make(map[string]string, len(m))
	for action, keys := range m {
		if !ShortcutActions[action] {
			errs = append(errs, fmt.Errorf("shortcuts: unknown action %q", action))
			continue
		}
		if keys == "" {
			errs = append(errs, fmt.Errorf("shortcuts: %s: empty binding", action))
			continue
		}
		if prev, ok := bound[keys]; ok {
			a, b := min(prev, action), max(prev, action)
			errs = append(errs, fmt.Errorf("shortcuts: %q bound to both %s and %s", keys, a, b))
			continue
		}
		bound[keys] = action
	}
	return errors.Join(errs...)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Document: DocumentConfig{
			Path:       "./notebook",
			Kind:       models.KindPagedBlank,
			Background: models.BackgroundNone,
		},
		Viewport: ViewportConfig{
			TileSize:   tilestore.DefaultSize,
			TileMargin: 256,
		},
		SQLite: SQLiteConfig{
			Path: "./speedynote.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Cache: CacheConfig{
			Dir:      "./cache",
			MinAge:   time.Hour,
			Schedule: "@hourly",
		},
		Converter: converter.DefaultConfig(),
		Shortcuts: map[string]string{
			"undo":             "ctrl+z",
			"redo":             "ctrl+shift+z",
			"save":             "ctrl+s",
			"mode_pen":         "p",
			"mode_eraser":      "e",
			"mode_lasso":       "l",
			"mode_pan":         "space",
			"delete_selection": "delete",
		},
	}
}
