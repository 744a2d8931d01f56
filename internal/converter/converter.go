// Package converter runs an external office-to-PDF tool. The tool is a
// black box: the package only builds its command line, bounds its runtime
// and classifies how it failed.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/speedynote/internal/apperr"
)

// Placeholders substituted in Config.Args.
const (
	InputVar  = "{input}"
	OutDirVar = "{outdir}"
)

// Config describes the tool invocation.
type Config struct {
	Tool       string        `yaml:"tool"`
	Args       []string      `yaml:"args"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxPending int           `yaml:"max_pending"`
}

// DefaultConfig invokes LibreOffice in headless mode.
func DefaultConfig() Config {
	return Config{
		Tool:       "soffice",
		Args:       []string{"--headless", "--convert-to", "pdf", "--outdir", OutDirVar, InputVar},
		Timeout:    2 * time.Minute,
		MaxPending: 8,
	}
}

// Validate implements validation.Validatable.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Tool, validation.Required),
		validation.Field(&c.Args, validation.Required),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxPending, validation.Required, validation.Min(1)),
	)
}

// Converter turns office files into PDFs under a working directory. Each
// output stays pending until Release.
type Converter struct {
	cfg    Config
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]string // output path -> its private directory
}

// New returns a converter writing below dir.
func New(cfg Config, dir string, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		cfg:     cfg,
		dir:     dir,
		logger:  logger.With(slog.String("component", "converter")),
		pending: make(map[string]string),
	}
}

// Pending returns how many outputs have not been released.
func (c *Converter) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Convert runs the tool on input and returns the path of the produced PDF.
// Failures wrap ErrToolMissing, ErrToolTimeout, ErrToolFailed or
// ErrToolEmpty; too many unreleased outputs yield ErrResourceExhausted
// without running anything.
func (c *Converter) Convert(ctx context.Context, input string) (string, error) {
	if _, err := os.Stat(input); err != nil {
		return "", fmt.Errorf("converter: %s: %w", input, apperr.ErrNotFound)
	}
	tool, err := exec.LookPath(c.cfg.Tool)
	if err != nil {
		return "", fmt.Errorf("converter: %s: %w", c.cfg.Tool, apperr.ErrToolMissing)
	}

	c.mu.Lock()
	if len(c.pending) >= c.cfg.MaxPending {
		c.mu.Unlock()
		return "", fmt.Errorf("converter: %d outputs pending: %w", c.cfg.MaxPending, apperr.ErrResourceExhausted)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("converter: %w", err)
	}
	out, err := os.MkdirTemp(c.dir, "convert-")
	if err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("converter: %w", err)
	}
	// Reserve the slot while the tool runs.
	c.pending[out] = out
	c.mu.Unlock()

	pdf, err := c.run(ctx, tool, input, out)
	c.mu.Lock()
	delete(c.pending, out)
	if err == nil {
		c.pending[pdf] = out
	}
	c.mu.Unlock()
	if err != nil {
		os.RemoveAll(out)
		return "", err
	}
	return pdf, nil
}

func (c *Converter) run(ctx context.Context, tool, input, outDir string) (string, error) {
	abs, err := filepath.Abs(input)
	if err != nil {
		return "", err
	}
	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		a = strings.ReplaceAll(a, InputVar, abs)
		args[i] = strings.ReplaceAll(a, OutDirVar, outDir)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = outDir
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.logger.Warn("converter: timeout", slog.String("input", input), slog.Duration("after", elapsed))
		return "", fmt.Errorf("converter: %s after %s: %w", filepath.Base(input), c.cfg.Timeout, apperr.ErrToolTimeout)
	case ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.logger.Warn("converter: tool failed",
				slog.String("input", input),
				slog.Int("exit", exitErr.ExitCode()),
				slog.String("stderr", tail(stderr.String())))
			return "", fmt.Errorf("converter: exit %d: %s: %w", exitErr.ExitCode(), tail(stderr.String()), apperr.ErrToolFailed)
		}
		return "", fmt.Errorf("converter: %v: %w", err, apperr.ErrToolMissing)
	}

	pdf, err := findOutput(outDir, input)
	if err != nil {
		return "", err
	}
	c.logger.Info("converter: converted",
		slog.String("input", input),
		slog.String("output", pdf),
		slog.Duration("took", elapsed))
	return pdf, nil
}

// findOutput prefers <stem>.pdf and accepts any single non-empty PDF the
// tool left behind.
func findOutput(dir, input string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	want := filepath.Join(dir, stem+".pdf")
	if info, err := os.Stat(want); err == nil && info.Size() > 0 {
		return want, nil
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.pdf"))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Size() > 0 {
			return m, nil
		}
	}
	return "", fmt.Errorf("converter: %s: %w", filepath.Base(input), apperr.ErrToolEmpty)
}

// Release deletes a converted output and frees its slot.
func (c *Converter) Release(pdf string) error {
	c.mu.Lock()
	dir, ok := c.pending[pdf]
	delete(c.pending, pdf)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("converter: %s: %w", pdf, apperr.ErrNotFound)
	}
	return os.RemoveAll(dir)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	const n = 512
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
