package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/db"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestAccountsMigrationContainsSchema(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_accounts_tables.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no accounts migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	for _, sub := range []string{
		"CREATE TABLE IF NOT EXISTS accounts",
		"CREATE TABLE IF NOT EXISTS account_payment_methods",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_account_payment_methods_email_alias",
		"DROP TABLE IF EXISTS accounts",
	} {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestValidateDirAcceptsMigrations(t *testing.T) {
	if err := ValidateDir("migrations"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := ValidateEmbedded(); err != nil {
		t.Fatalf("validate embedded: %v", err)
	}
}

func TestValidateFSRejectsBrokenMigrations(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name": {"m/1_init.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")}},
		"duplicate version": {
			"m/20260101000000_a.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
			"m/20260101000000_b.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
		"missing down": {"m/20260101000000_a.sql": {Data: []byte("-- +goose Up\n")}},
		"unbalanced statements": {"m/20260101000000_a.sql": {Data: []byte(
			"-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose Down\n")}},
	}
	for name, fsys := range cases {
		if err := ValidateFS(fsys, "m"); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	path, err := CreateSQLMigration(dir, "Add Risk Table!", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if filepath.Base(path) != "20260504100000_add_risk_table.sql" {
		t.Fatalf("unexpected file %s", path)
	}
	if err := ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
	if _, err := CreateSQLMigration(dir, "other", now); err == nil {
		t.Fatal("expected version collision")
	}
	if _, err := CreateSQLMigration(dir, "!!!", now.Add(time.Second)); err == nil {
		t.Fatal("expected empty name to fail")
	}
}

func TestMaybeRunAppliesEmbeddedMigrations(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migrate_autorun?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	client := db.NewFromConn(conn, config.DBDriverSQLite)

	cfg := config.DBConfig{Driver: config.DBDriverSQLite, AutoMigrate: true}
	if err := MaybeRun(context.Background(), cfg, logger.Nop(), client); err != nil {
		t.Fatalf("auto-run: %v", err)
	}
	for _, table := range []string{"accounts", "account_payment_methods"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}

	cfg.AutoMigrate = false
	if err := MaybeRun(context.Background(), cfg, logger.Nop(), nil); err != nil {
		t.Fatalf("disabled auto-run should be a no-op: %v", err)
	}
}

func TestDialect(t *testing.T) {
	if d, _ := Dialect("postgres"); d != "postgres" {
		t.Fatalf("unexpected dialect %q", d)
	}
	if d, _ := Dialect("SQLite"); d != "sqlite3" {
		t.Fatalf("unexpected dialect %q", d)
	}
	if _, err := Dialect("memory"); err == nil {
		t.Fatal("memory driver has no dialect")
	}
}
