package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/archive"
	"github.com/starford/speedynote/internal/bundle"
	"github.com/starford/speedynote/internal/cache"
	"github.com/starford/speedynote/internal/converter"
	"github.com/starford/speedynote/internal/document"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/viewport"
)

// documentOptions fills base with the configured page size and
// background.
func (c *DocumentConfig) documentOptions(base document.Options, kind models.DocumentKind, title string) document.Options {
	opts := base
	opts.Kind = kind
	opts.Title = title
	opts.PageSize = models.Size{Width: c.PageWidth, Height: c.PageHeight}
	opts.Background = models.Background{Kind: c.Background}
	return opts
}

// newDocument builds an unsaved document. A non-empty pdf makes a
// paged_pdf document with one page per backing page.
func newDocument(cfg *Config, kind models.DocumentKind, title, pdf string, logger *slog.Logger) (*document.Document, error) {
	opts := cfg.Document.documentOptions(document.Options{
		Tiles:  cfg.Viewport.Options().Tiles,
		Logger: logger.With(slog.String("component", "document")),
	}, kind, title)
	if pdf == "" {
		return document.New(opts)
	}
	src, err := pdfbind.Fingerprint(pdf)
	if err != nil {
		return nil, err
	}
	info, err := pdfbind.Inspect(pdf)
	if err != nil {
		return nil, err
	}
	if opts.Title == "" {
		opts.Title = strings.TrimSuffix(filepath.Base(pdf), filepath.Ext(pdf))
	}
	return document.NewFromPDF(opts, src, info.Pages)
}

// CommandEnv carries what the one-shot CLI commands share.
type CommandEnv struct {
	Config *Config
	Logger *slog.Logger
}

// NewCommandEnv builds the logger of a one-shot command. Logs go to w.
func NewCommandEnv(cfg *Config, w io.Writer) *CommandEnv {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	return &CommandEnv{Config: cfg, Logger: logger}
}

func (e *CommandEnv) viewportOptions() []viewport.Option {
	return []viewport.Option{
		viewport.WithConfig(e.Config.Viewport.Options()),
		viewport.WithLogger(e.Logger),
	}
}

// Create writes a new bundle at dir. pdf may be empty.
func (e *CommandEnv) Create(ctx context.Context, dir string, kind models.DocumentKind, title, pdf string) error {
	if pdf != "" {
		abs, err := filepath.Abs(pdf)
		if err != nil {
			return err
		}
		pdf = abs
	}
	doc, err := newDocument(e.Config, kind, title, pdf, e.Logger)
	if err != nil {
		return err
	}
	_, err = viewport.Create(ctx, dir, doc, e.viewportOptions()...)
	if err != nil {
		return err
	}
	e.Logger.Info("document: created", slog.String("path", dir), slog.String("kind", string(doc.Kind)))
	return nil
}

// Export writes a flattened PDF of the bundle at dir.
func (e *CommandEnv) Export(ctx context.Context, dir, out string, req viewport.ExportRequest) error {
	v, _, err := viewport.Open(ctx, dir, e.viewportOptions()...)
	if err != nil {
		return err
	}
	return v.Export(ctx, out, req)
}

// Relink points the bundle at dir to the PDF at pdf and saves it. When the
// file differs from the recorded one the user is asked on out, and answers
// are read from in.
func (e *CommandEnv) Relink(ctx context.Context, dir, pdf string, in io.Reader, out io.Writer) error {
	abs, err := filepath.Abs(pdf)
	if err != nil {
		return err
	}
	v, _, err := viewport.Open(ctx, dir, e.viewportOptions()...)
	if err != nil {
		return err
	}
	if err := v.LinkPDF(ctx, abs, promptDecider(in, out)); err != nil {
		return fmt.Errorf("relink %s: %w", abs, err)
	}
	src := v.Binding().Source()
	e.Logger.Info("document: relinked", slog.String("path", dir), slog.String("pdf", src.Path))
	return v.Save(ctx)
}

// promptDecider asks how to handle a fingerprint mismatch. Anything but a
// use or choose answer cancels, as does end of input.
func promptDecider(in io.Reader, out io.Writer) pdfbind.Decider {
	sc := bufio.NewScanner(in)
	return func(m pdfbind.Mismatch) pdfbind.Decision {
		fmt.Fprintf(out, "The selected PDF differs from the one this document was annotated on.\n")
		fmt.Fprintf(out, "  recorded: %s (%d bytes)\n  selected: %s (%d bytes)\n",
			m.Recorded.Path, m.Recorded.Size, m.Selected.Path, m.Selected.Size)
		fmt.Fprint(out, "[u]se selected, [c]hoose a different file or [x] cancel? ")
		if !sc.Scan() {
			return pdfbind.Decision{Outcome: pdfbind.Cancel}
		}
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "u", "use":
			return pdfbind.Decision{Outcome: pdfbind.UseSelected}
		case "c", "choose":
			fmt.Fprint(out, "path: ")
			if !sc.Scan() {
				return pdfbind.Decision{Outcome: pdfbind.Cancel}
			}
			path := strings.TrimSpace(sc.Text())
			if abs, err := filepath.Abs(path); err == nil && path != "" {
				path = abs
			}
			return pdfbind.Decision{Outcome: pdfbind.ChooseDifferent, Path: path}
		}
		return pdfbind.Decision{Outcome: pdfbind.Cancel}
	}
}

// Pack archives the bundle at dir, plus its backing PDF when withPDF is
// set and the file is available.
func (e *CommandEnv) Pack(ctx context.Context, dir, out string, withPDF bool) error {
	b, err := bundle.Open(dir, e.Logger)
	if err != nil {
		return err
	}
	m, err := b.Manifest()
	if err != nil {
		return err
	}
	pdf := ""
	if withPDF && m.PDF != nil && m.PDF.Path != "" {
		if _, err := os.Stat(m.PDF.Path); err != nil {
			e.Logger.Warn("pack: backing pdf unavailable, packing without it",
				slog.String("path", m.PDF.Path), slog.String("error", err.Error()))
		} else {
			pdf = m.PDF.Path
		}
	}
	return archive.Pack(ctx, dir, pdf, out, e.Logger)
}

// Unpack extracts an archive into dest and points the document at the
// shipped PDF copy. It returns the bundle directory.
func (e *CommandEnv) Unpack(ctx context.Context, src, dest string) (string, error) {
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("unpack: %s: %w", dest, apperr.ErrAlreadyExists)
	}
	res, err := archive.Unpack(ctx, src, dest, e.Logger)
	if err != nil {
		return "", err
	}
	v, _, err := viewport.Open(ctx, res.BundleDir, e.viewportOptions()...)
	if err != nil {
		return "", err
	}
	if err := relink(ctx, v, res); err != nil {
		return "", err
	}
	return res.BundleDir, nil
}

// Convert turns an office file into a paged_pdf bundle at dir. The
// converted PDF is copied into the bundle directory as source.pdf.
func (e *CommandEnv) Convert(ctx context.Context, input, dir, title string) error {
	scratch, err := cache.Open(e.Config.Cache.Dir, e.Config.Cache.MinAge, e.Logger)
	if err != nil {
		return err
	}
	conv := converter.New(e.Config.Converter, scratch.ConvertDir(), e.Logger)
	out, err := conv.Convert(ctx, input)
	if err != nil {
		return err
	}
	defer func() {
		if err := conv.Release(out); err != nil {
			e.Logger.Warn("convert: release failed", slog.String("path", out), slog.String("error", err.Error()))
		}
	}()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	pdf, err := filepath.Abs(filepath.Join(dir, "source.pdf"))
	if err != nil {
		return err
	}
	if err := copyFile(out, pdf); err != nil {
		return fmt.Errorf("convert: copy output: %w", err)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	}
	return e.Create(ctx, dir, models.KindPagedPDF, title, pdf)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
