package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/speedynote/internal"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/viewport"
	pkgconfig "github.com/starford/speedynote/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	path := cmd.String("config")
	if cmd.IsSet("config") {
		if err := pkgconfig.Load(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return cfg, nil
	}
	found, err := pkgconfig.LoadOptional(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !found {
		slog.Info("config file not found, using defaults", slog.String("path", path))
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if doc := cmd.String("document"); doc != "" {
		cfg.Document.Path = doc
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if doc := cmd.String("document"); doc != "" {
		cfg.Document.Path = doc
	}
	return internal.RunMCP(ctx,
		internal.WithConfig(cfg),
		internal.WithVersion(version),
		internal.WithLogOutput(os.Stderr),
	)
}

// env loads the config for a one-shot command.
func env(cmd *cli.Command) (*internal.CommandEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return internal.NewCommandEnv(cfg, os.Stderr), nil
}

func requireArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", cmd.Name, n, cmd.Args().Len())
	}
	return nil
}

func newDocument(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 1); err != nil {
		return err
	}
	e, err := env(cmd)
	if err != nil {
		return err
	}
	kind := models.DocumentKind(cmd.String("kind"))
	if cmd.String("pdf") != "" {
		kind = models.KindPagedPDF
	}
	return e.Create(ctx, cmd.Args().First(), kind, cmd.String("title"), cmd.String("pdf"))
}

func exportPDF(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 2); err != nil {
		return err
	}
	e, err := env(cmd)
	if err != nil {
		return err
	}
	req := viewport.ExportRequest{
		Range:  cmd.String("range"),
		Preset: cmd.String("preset"),
		DPI:    cmd.Float("dpi"),
	}
	return e.Export(ctx, cmd.Args().Get(0), cmd.Args().Get(1), req)
}

func pack(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 2); err != nil {
		return err
	}
	e, err := env(cmd)
	if err != nil {
		return err
	}
	return e.Pack(ctx, cmd.Args().Get(0), cmd.Args().Get(1), !cmd.Bool("without-pdf"))
}

func unpack(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 2); err != nil {
		return err
	}
	e, err := env(cmd)
	if err != nil {
		return err
	}
	dir, err := e.Unpack(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Println(dir)
	return nil
}

func relink(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 2); err != nil {
		return err
	}
	e, err := env(cmd)
	if err != nil {
		return err
	}
	return e.Relink(ctx, cmd.Args().Get(0), cmd.Args().Get(1), os.Stdin, os.Stdout)
}

func convert(ctx context.Context, cmd *cli.Command) error {
	if err := requireArgs(cmd, 2); err != nil {
		return err
	}
	e, err := env(cmd)
	if err != nil {
		return err
	}
	return e.Convert(ctx, cmd.Args().Get(0), cmd.Args().Get(1), cmd.String("title"))
}

func main() {
	documentFlag := &cli.StringFlag{
		Name:    "document",
		Aliases: []string{"d"},
		Usage:   "Bundle directory or package archive to open (overrides document.path)",
		Sources: cli.EnvVars("APP_DOCUMENT"),
	}

	cmd := &cli.Command{
		Name:    "speedynote",
		Usage:   "PDF annotation and edgeless canvas engine with Markdown notes and full-text search",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the document over the local HTTP API",
				Flags:  []cli.Flag{documentFlag},
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the document to an MCP client over stdio",
				Flags:  []cli.Flag{documentFlag},
				Action: serveMCP,
			},
			{
				Name:      "new",
				Usage:     "Create a document bundle",
				ArgsUsage: "<dir>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Value: string(models.KindPagedBlank), Usage: "paged_blank or edgeless"},
					&cli.StringFlag{Name: "title", Usage: "Document title"},
					&cli.StringFlag{Name: "pdf", Usage: "Backing PDF; makes a paged_pdf document"},
				},
				Action: newDocument,
			},
			{
				Name:      "export",
				Usage:     "Export a flattened PDF",
				ArgsUsage: "<dir> <out.pdf>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "range", Usage: `1-based page range such as "1-3,5"`},
					&cli.StringFlag{Name: "preset", Value: "print", Usage: "screen, draft or print"},
					&cli.FloatFlag{Name: "dpi", Usage: "Raster resolution overriding the preset"},
				},
				Action: exportPDF,
			},
			{
				Name:      "relink",
				Usage:     "Point a bundle at its backing PDF, asking before accepting a different file",
				ArgsUsage: "<dir> <file.pdf>",
				Action:    relink,
			},
			{
				Name:      "pack",
				Usage:     "Package a bundle and its PDF into one archive",
				ArgsUsage: "<dir> <out>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "without-pdf", Usage: "Leave the backing PDF out"},
				},
				Action: pack,
			},
			{
				Name:      "unpack",
				Usage:     "Extract a package archive",
				ArgsUsage: "<archive> <dest>",
				Action:    unpack,
			},
			{
				Name:      "convert",
				Usage:     "Convert an office file to PDF and create a paged_pdf bundle from it",
				ArgsUsage: "<input> <dir>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Document title"},
				},
				Action: convert,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
