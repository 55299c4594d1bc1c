package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/db"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/migrate"
	"github.com/joho/godotenv"
)

type options struct {
	cmd     string
	dir     string
	name    string
	version string
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.cmd, "cmd", "up", "migration command: up|down|status|version|create|validate")
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory (\""+migrate.EmbeddedDir+"\" uses the compiled-in set)")
	flag.StringVar(&opts.name, "name", "", "migration name for -cmd=create")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "ap2-migrate"})
	cfg, err := config.Load()
	if err != nil {
		fail(context.Background(), logg, "config.load", err)
	}
	logg = logger.New(logger.Options{
		ServiceName: "ap2-migrate",
		Role:        cfg.Service.Kind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": opts.cmd,
		"dir": opts.dir,
	})

	if err := runOffline(opts); !errors.Is(err, errNeedsDatabase) {
		if err != nil {
			fail(ctx, logg, "migrate."+opts.cmd, err)
		}
		return
	}

	if !cfg.DB.UsesSQL() {
		fail(ctx, logg, "migrate.unsupported_driver",
			fmt.Errorf("%s=%s has no schema to migrate", config.EnvDBDriver, cfg.DB.Driver))
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		fail(ctx, logg, "db.connect", err)
	}
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		fail(ctx, logg, "db.handle", err)
	}

	if err := runOnline(ctx, sqlDB, dbClient.Driver(), opts); err != nil {
		fail(ctx, logg, "migrate."+opts.cmd, err)
	}
	logg.Info(ctx, "migrate.done")
}

var errNeedsDatabase = errors.New("command needs a database")

// runOffline handles the commands that only touch migration files.
func runOffline(opts options) error {
	switch opts.cmd {
	case "create":
		if opts.name == "" {
			return fmt.Errorf("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name, time.Now())
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	case "validate":
		validate := func() error { return migrate.ValidateDir(opts.dir) }
		if opts.dir == migrate.EmbeddedDir {
			validate = migrate.ValidateEmbedded
		}
		if err := validate(); err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	}
	return errNeedsDatabase
}

func runOnline(ctx context.Context, sqlDB *sql.DB, driver string, opts options) error {
	switch opts.cmd {
	case "up", "down", "status":
		return migrate.Run(ctx, sqlDB, driver, opts.dir, opts.cmd)
	case "version":
		if opts.version == "" {
			return fmt.Errorf("missing -version for version command")
		}
		return migrate.MigrateToVersion(ctx, sqlDB, driver, opts.dir, opts.version)
	}
	return fmt.Errorf("unknown -cmd value %q", opts.cmd)
}

func fail(ctx context.Context, logg *logger.Logger, msg string, err error) {
	logg.Error(ctx, msg, err)
	os.Exit(1)
}
