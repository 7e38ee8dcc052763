package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/fisirc/nur-worker/internal/config"
	"github.com/fisirc/nur-worker/internal/logger"
)

var buildVersion = "dev"

// CLI is the kong command tree.
type CLI struct {
	EnvFile string `name:"env-file" default:".env" help:"Path to a .env file loaded before reading the environment"`

	Serve   ServeCmd         `cmd:"" default:"1" help:"Serve the GitHub webhook and build pushed repositories"`
	Build   BuildCmd         `cmd:"" help:"Build every function of a local working tree"`
	Migrate MigrateCmd       `cmd:"" help:"Manage the metadata schema"`
	Version kong.VersionFlag `help:"Print the version and exit"`
}

// Globals is bound into every command's Run.
type Globals struct {
	Config config.Config
}

func (g *Globals) logger(service string) *slog.Logger {
	return logger.New(service, logger.ParseLevel(g.Config.LogLevel))
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("nur-worker"),
		kong.Description("Push-triggered multi-function build worker."),
		kong.UsageOnError(),
		kong.Vars{"version": buildVersion},
	)

	if err := godotenv.Load(cli.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: load %s: %v\n", cli.EnvFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := kctx.Run(&Globals{Config: cfg}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
