package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/invoice-ocr/internal/export"
	"github.com/zombor/invoice-ocr/internal/extract"
	"github.com/zombor/invoice-ocr/internal/invoice"
	"github.com/zombor/invoice-ocr/internal/keys"
	"github.com/zombor/invoice-ocr/internal/raster"
)

// app holds the parsed flags shared by every subcommand
type app struct {
	dbPath       *string
	exportDir    *string
	keysFile     *string
	provider     *string
	baseURL      *string
	model        *string
	promptPath   *string
	summary      *bool
	requestDelay *time.Duration
	attempts     *int
	verbose      *bool

	// serve
	port        *int
	storagePath *string
	authUser    *string
	authPass    *string
	maxUpload   *string

	// process
	workDir *string

	// convert
	outDir *string
}

func (a *app) command() *ff.Command {
	rootFlags := ff.NewFlagSet("invoice-ocr")
	a.dbPath = rootFlags.StringLong("db", "invoice-ocr.db", "Database file path")
	a.exportDir = rootFlags.StringLong("exports", "./exports", "Directory for exported spreadsheets")
	a.keysFile = rootFlags.StringLong("keys-file", "api_keys.txt", "Plain-text key file imported when no keys are stored")
	a.provider = rootFlags.StringLong("provider", "groq", "Extraction provider: 'groq' or 'gemini'")
	a.baseURL = rootFlags.StringLong("base-url", extract.DefaultBaseURL, "OpenAI-compatible API base URL (groq provider)")
	a.model = rootFlags.StringLong("model", "", "Model name (defaults per provider)")
	a.promptPath = rootFlags.StringLong("prompt", "", "TOML file overriding the extraction prompt")
	a.summary = rootFlags.BoolLong("summary", "Add a summary sheet to exports")
	a.requestDelay = rootFlags.DurationLong("request-delay", invoice.DefaultConfig().RequestDelay, "Pause after every API request")
	a.attempts = rootFlags.IntLong("attempts", invoice.DefaultConfig().MaxAttempts, "Extraction attempts per image")
	a.verbose = rootFlags.BoolLong("verbose", "Enable debug logging")
	rootFlags.BoolLong("version", "Show version information")

	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	a.port = serveFlags.IntLong("port", 8080, "HTTP server port")
	a.storagePath = serveFlags.StringLong("storage", "./uploads", "Directory for uploaded invoices")
	a.authUser = serveFlags.StringLong("auth-user", "", "Basic auth username (optional)")
	a.authPass = serveFlags.StringLong("auth-pass", "", "Basic auth password (optional)")
	a.maxUpload = serveFlags.StringLong("max-upload", "50MB", "Maximum size of one upload")

	processFlags := ff.NewFlagSet("process").SetParent(rootFlags)
	a.workDir = processFlags.StringLong("work-dir", "", "Directory to keep rendered PDF pages in (defaults to a temporary directory removed after the run)")

	convertFlags := ff.NewFlagSet("convert").SetParent(rootFlags)
	a.outDir = convertFlags.StringLong("out", "", "Directory for page images (defaults to a 'converted' folder next to each PDF)")

	keysFlags := ff.NewFlagSet("keys").SetParent(rootFlags)

	return &ff.Command{
		Name:      "invoice-ocr",
		Usage:     "invoice-ocr [FLAGS] <SUBCOMMAND>",
		ShortHelp: "extract invoice data from scans and PDFs into spreadsheets",
		Flags:     rootFlags,
		Subcommands: []*ff.Command{
			{
				Name:      "serve",
				Usage:     "invoice-ocr serve [FLAGS]",
				ShortHelp: "run the HTTP API",
				Flags:     serveFlags,
				Exec:      a.serve,
			},
			{
				Name:      "process",
				Usage:     "invoice-ocr process [FLAGS] <FILE|FOLDER>...",
				ShortHelp: "process files and folders and export the results",
				Flags:     processFlags,
				Exec:      a.process,
			},
			{
				Name:      "convert",
				Usage:     "invoice-ocr convert [FLAGS] <PDF|FOLDER>...",
				ShortHelp: "split PDFs into page images for review",
				Flags:     convertFlags,
				Exec:      a.convert,
			},
			{
				Name:      "keys",
				Usage:     "invoice-ocr keys <SUBCOMMAND>",
				ShortHelp: "manage API keys",
				Flags:     keysFlags,
				Subcommands: []*ff.Command{
					{Name: "list", ShortHelp: "list stored keys", Flags: ff.NewFlagSet("list").SetParent(keysFlags), Exec: a.listKeys},
					{Name: "add", Usage: "invoice-ocr keys add <KEY>", ShortHelp: "store a key", Flags: ff.NewFlagSet("add").SetParent(keysFlags), Exec: a.addKey},
					{Name: "remove", Usage: "invoice-ocr keys remove <KEY>", ShortHelp: "delete a key", Flags: ff.NewFlagSet("remove").SetParent(keysFlags), Exec: a.removeKey},
					{Name: "import", Usage: "invoice-ocr keys import <FILE>", ShortHelp: "import keys from a text file", Flags: ff.NewFlagSet("import").SetParent(keysFlags), Exec: a.importKeys},
				},
			},
			{
				Name:      "exports",
				ShortHelp: "list exported spreadsheets",
				Flags:     ff.NewFlagSet("exports").SetParent(rootFlags),
				Exec:      a.listExports,
			},
		},
	}
}

// openDB opens the database and imports the key file when no keys are stored yet
func (a *app) openDB() (*invoice.BoltDB, error) {
	slog.Debug("Opening database", "path", *a.dbPath)
	db, err := invoice.NewBoltDB(*a.dbPath)
	if err != nil {
		return nil, err
	}

	stored, err := db.LoadCredentials()
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(stored) > 0 || *a.keysFile == "" {
		return db, nil
	}
	if _, err := os.Stat(*a.keysFile); err != nil {
		slog.Debug("No key file to import", "path", *a.keysFile)
		return db, nil
	}

	n, err := keys.Import(db, *a.keysFile)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("importing key file: %w", err)
	}
	slog.Info("Imported API keys", "path", *a.keysFile, "count", n)
	return db, nil
}

// newExtractor builds the configured provider; the returned func releases it
func (a *app) newExtractor() (extract.Extractor, func(), error) {
	prompt := extract.DefaultPrompt()
	if *a.promptPath != "" {
		var err error
		prompt, err = extract.LoadPrompt(*a.promptPath)
		if err != nil {
			return nil, nil, err
		}
	}

	switch *a.provider {
	case "groq":
		slog.Info("Using chat completions provider", "url", *a.baseURL, "model", *a.model)
		return extract.NewChatClient(*a.baseURL, *a.model, prompt), func() {}, nil
	case "gemini":
		slog.Info("Using Gemini provider", "model", *a.model)
		g := extract.NewGemini(*a.model, prompt)
		return g, func() {
			if err := g.Close(); err != nil {
				slog.Warn("Failed to close Gemini clients", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("invalid provider %q: valid providers are groq and gemini", *a.provider)
	}
}

func (a *app) pipelineConfig() invoice.Config {
	cfg := invoice.DefaultConfig()
	cfg.RequestDelay = *a.requestDelay
	cfg.MaxAttempts = *a.attempts
	cfg.Summary = *a.summary
	return cfg
}

// serve runs the HTTP API until the context is cancelled
func (a *app) serve(ctx context.Context, args []string) error {
	maxUpload, err := units.FromHumanSize(*a.maxUpload)
	if err != nil {
		return fmt.Errorf("parsing --max-upload: %w", err)
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := keys.NewPool(db)
	if err != nil {
		return err
	}
	if pool.TotalCount() == 0 {
		slog.Warn("No API keys configured; add one through POST /api/keys")
	}

	extractor, release, err := a.newExtractor()
	if err != nil {
		return err
	}
	defer release()
	if g, ok := extractor.(*extract.Gemini); ok {
		pool.OnRemove(g.Forget)
	}

	storage, err := invoice.NewLocalStorage(*a.storagePath)
	if err != nil {
		return err
	}
	exporter := export.NewExporter(*a.exportDir)

	pipeline := invoice.NewPipeline(extractor, pool, raster.NewRasterizer(), exporter, a.pipelineConfig())
	service := invoice.NewService(db, pipeline, storage, pool, exporter)

	basicAuth := invoice.BasicAuth{
		Username: *a.authUser,
		Password: *a.authPass,
	}
	if basicAuth.Username != "" || basicAuth.Password != "" {
		slog.Info("Basic auth enabled", "user", basicAuth.Username)
	}
	slog.Info("Upload limit", "size", units.HumanSize(float64(maxUpload)))

	server := invoice.NewServer(service, basicAuth, maxUpload)
	return server.Start(ctx, fmt.Sprintf(":%d", *a.port))
}

// process runs the pipeline over files and folders in the foreground
func (a *app) process(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("at least one file or folder is required")
	}

	paths, err := invoice.CollectFiles(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no supported files found (jpg, jpeg, png, pdf, heic, heif)")
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := keys.NewPool(db)
	if err != nil {
		return err
	}
	if pool.TotalCount() == 0 {
		return errors.New("no API keys configured; add one with 'invoice-ocr keys add <KEY>'")
	}

	extractor, release, err := a.newExtractor()
	if err != nil {
		return err
	}
	defer release()

	cfg := a.pipelineConfig()
	cfg.WorkDir = *a.workDir
	pipeline := invoice.NewPipeline(extractor, pool, raster.NewRasterizer(), export.NewExporter(*a.exportDir), cfg)

	ui := newConsole(os.Stdout, os.Stderr)
	result, err := pipeline.Run(ctx, invoice.NewFiles(paths), ui.observer())
	ui.finish()
	ui.summarize(result)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) withPool(fn func(db *invoice.BoltDB, pool *keys.Pool) error) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := keys.NewPool(db)
	if err != nil {
		return err
	}
	return fn(db, pool)
}

func (a *app) listKeys(ctx context.Context, args []string) error {
	return a.withPool(func(_ *invoice.BoltDB, pool *keys.Pool) error {
		ui := newConsole(os.Stdout, os.Stderr)
		masked := pool.Masked()
		if len(masked) == 0 {
			ui.warn("No API keys stored")
			return nil
		}
		for i, k := range masked {
			fmt.Fprintf(ui.out, "%2d. %s\n", i+1, k)
		}
		ui.info("%d key(s)", len(masked))
		return nil
	})
}

func (a *app) addKey(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("exactly one key is required")
	}
	return a.withPool(func(_ *invoice.BoltDB, pool *keys.Pool) error {
		ui := newConsole(os.Stdout, os.Stderr)
		added, err := pool.Add(args[0])
		if err != nil {
			return err
		}
		if !added {
			ui.warn("Key %s is already stored", keys.Mask(args[0]))
			return nil
		}
		ui.success("Key %s added (%d total)", keys.Mask(args[0]), pool.TotalCount())
		return nil
	})
}

func (a *app) removeKey(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("exactly one key is required")
	}
	return a.withPool(func(_ *invoice.BoltDB, pool *keys.Pool) error {
		ui := newConsole(os.Stdout, os.Stderr)
		removed, err := pool.Remove(args[0])
		if err != nil {
			return err
		}
		if !removed {
			ui.warn("Key %s is not stored", keys.Mask(args[0]))
			return nil
		}
		ui.success("Key %s removed (%d left)", keys.Mask(args[0]), pool.TotalCount())
		return nil
	})
}

func (a *app) importKeys(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("exactly one key file is required")
	}
	return a.withPool(func(db *invoice.BoltDB, pool *keys.Pool) error {
		ui := newConsole(os.Stdout, os.Stderr)
		n, err := keys.Import(db, args[0])
		if err != nil {
			return err
		}
		if err := pool.Reload(); err != nil {
			return err
		}
		ui.success("Imported %d new key(s), %d total", n, pool.TotalCount())
		return nil
	})
}

func (a *app) listExports(ctx context.Context, args []string) error {
	files, err := export.NewExporter(*a.exportDir).List()
	if err != nil {
		return err
	}
	ui := newConsole(os.Stdout, os.Stderr)
	if len(files) == 0 {
		ui.warn("No exports in %s", *a.exportDir)
		return nil
	}
	for _, f := range files {
		fmt.Fprintf(ui.out, "%s  %8s  %s\n", f.ModTime.Format("2006-01-02 15:04"), units.HumanSize(float64(f.Size)), f.Path)
	}
	return nil
}
