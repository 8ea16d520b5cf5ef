// Command pagevfs serves and maintains a SQLite database image kept in paged memory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"pagevfs/internal/app"
	"pagevfs/internal/config"
	"pagevfs/internal/platform/logger"
)

// CLI defines the command-line interface.
var CLI struct {
	EnvFile string `name:"env-file" help:"Extra .env file loaded before the environment defaults" type:"existingfile"`

	Serve       ServeCmd       `cmd:"" help:"Run the admin HTTP server and scheduled checkpoints"`
	Import      ImportCmd      `cmd:"" help:"Replace the image with a SQLite database file (.db or .db.xz)"`
	Export      ExportCmd      `cmd:"" help:"Write the image to a file or stdout"`
	Seed        SeedCmd        `cmd:"" help:"Build a database from migrations and import it"`
	Query       QueryCmd       `cmd:"" help:"Run a read-only SQL query against the image"`
	Stats       StatsCmd       `cmd:"" help:"Print memory and lock statistics"`
	Checkpoint  CheckpointCmd  `cmd:"" help:"Save a checkpoint of the image now"`
	Checkpoints CheckpointsCmd `cmd:"" help:"List saved checkpoints"`
	Restore     RestoreCmd     `cmd:"" help:"Replace the image with a saved checkpoint"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("pagevfs"),
		kong.Description("SQLite image over a paged memory resource"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	if CLI.EnvFile != "" {
		kctx.FatalIfErrorf(godotenv.Load(CLI.EnvFile))
	}
	cfg, err := config.Load()
	kctx.FatalIfErrorf(err)

	// stdout belongs to command output (export -, query), logs go to stderr
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "pagevfs",
		Console:      os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a, err := app.New(cfg, log)
	if err != nil {
		stop()
		_ = logger.Close(log)
		kctx.FatalIfErrorf(err)
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	runErr := kctx.Run(a)

	stop()
	if err := a.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close memory: %w", err)
	}
	_ = logger.Close(log)
	kctx.FatalIfErrorf(runErr)
}
