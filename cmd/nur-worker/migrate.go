package main

import (
	"context"
	"errors"
	"time"

	"github.com/fisirc/nur-worker/internal/app/migrate"
	"github.com/fisirc/nur-worker/migrations"
)

// MigrateCmd applies, inspects or rolls back the schema.
type MigrateCmd struct {
	Up     MigrateUpCmd     `cmd:"" help:"Apply pending migrations"`
	Status MigrateStatusCmd `cmd:"" help:"Print migration status"`
	Down   MigrateDownCmd   `cmd:"" help:"Roll back migrations"`
}

// MigrateFlags are shared by every migrate subcommand.
type MigrateFlags struct {
	Timeout time.Duration `default:"1m" help:"Command timeout"`
}

type (
	MigrateUpCmd struct {
		MigrateFlags
	}
	MigrateStatusCmd struct {
		MigrateFlags
	}
	MigrateDownCmd struct {
		MigrateFlags
		Target int64 `help:"Roll back to this version; 0 rolls back one step"`
	}
)

func (c *MigrateUpCmd) Run(g *Globals) error {
	return c.run(g, "up", func(ctx context.Context, r migrate.Runner) error { return r.Ensure(ctx) })
}

func (c *MigrateStatusCmd) Run(g *Globals) error {
	return c.run(g, "status", func(ctx context.Context, r migrate.Runner) error { return r.Status(ctx) })
}

func (c *MigrateDownCmd) Run(g *Globals) error {
	return c.run(g, "down", func(ctx context.Context, r migrate.Runner) error { return r.Down(ctx, c.Target) })
}

func (f MigrateFlags) run(g *Globals, command string, fn func(context.Context, migrate.Runner) error) error {
	if g.Config.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	log := g.logger("migrate")

	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()

	runner, err := migrate.New(g.Config.DatabaseURL, migrations.FS, log)
	if err != nil {
		return err
	}
	if err := fn(ctx, runner); err != nil {
		return err
	}
	log.Info("migration command completed", "command", command)
	return nil
}
