// argus is an always-on codebase monitor: it keeps an up-to-date cached
// report for every file in a project, for every tool applicable to that
// file. This binary hosts the report-maintenance engine; the display layer
// consumes the engine's appearance-changed events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/engine"
	coreerrors "github.com/argusmon/argus/internal/errors"
	"github.com/argusmon/argus/internal/store"
)

var Version = "dev"

func main() {
	app := &cli.App{
		Name:      "argus",
		Usage:     "Maintain up-to-date tool reports for every file in a codebase",
		Version:   Version,
		ArgsUsage: "<directory>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Number of worker processes (default: cpu count minus one)",
			},
			&cli.StringFlag{
				Name:    "editor",
				Aliases: []string{"e"},
				Usage:   "Command used to start the editor; may contain options",
			},
			&cli.StringFlag{
				Name:    "theme",
				Aliases: []string{"t"},
				Usage:   "Syntax highlighting theme",
			},
			&cli.StringFlag{
				Name:    "compression",
				Aliases: []string{"c"},
				Usage:   "Cache compression: gzip, lzma, bz2 or none",
				Value:   "gzip",
			},
			&cli.BoolFlag{
				Name:   "testing",
				Usage:  "Exit once all results are up to date (hidden flag)",
				Hidden: true,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: argus [options] <directory>", 1)
	}
	root, err := filepath.Abs(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	info, err := os.Stat(root)
	if err != nil {
		return cli.Exit(coreerrors.NewFatalInit(root, "file does not exist").Error(), 1)
	}
	if !info.IsDir() {
		return cli.Exit(coreerrors.NewFatalInit(root, "file is not a directory").Error(), 1)
	}
	if c.IsSet("workers") && c.Int("workers") < 1 {
		return cli.Exit("there must be at least one worker", 1)
	}
	if _, err := store.ParseCompression(c.String("compression")); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if c.IsSet("workers") {
		cfg.Workers.Count = c.Int("workers")
	}
	if c.IsSet("compression") {
		cfg.Cache.Compression = c.String("compression")
	}
	cfg.Editor = config.ResolveEditor(c.String("editor"))
	cfg.Theme = config.ResolveTheme(c.String("theme"))

	workerBin, err := findWorkerBinary()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	var opts []engine.Option
	if c.Bool("testing") {
		opts = append(opts, engine.WithTestMode())
	}
	controller, err := engine.New(cfg, workerBin, opts...)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := controller.Start(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	_ = controller.Run(ctx)
	controller.Shutdown()
	return nil
}

// findWorkerBinary locates argus-worker: next to this executable first,
// then on PATH.
func findWorkerBinary() (string, error) {
	if exePath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exePath), "argus-worker")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if found, err := exec.LookPath("argus-worker"); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("argus-worker binary not found beside argus or on PATH")
}
