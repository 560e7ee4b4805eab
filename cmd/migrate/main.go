// Command migrate manages the Postgres schema behind the engine's durable
// buckets. Migration files live in migrations/ as <version>_<name>.up.sql
// and <version>_<name>.down.sql pairs, the same layout golang-migrate
// reads, so integration tests can replay the exact files this tool ships.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/meridianhealth/phi-engine/internal/infrastructure/config"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/telemetry"
)

// migrationsTable is distinct from golang-migrate's schema_migrations so
// both tools can touch the same database without corrupting each other's
// bookkeeping.
const migrationsTable = "phi_schema_migrations"

type Migration struct {
	Version   string
	Name      string
	Filename  string
	AppliedAt time.Time
}

func main() {
	var (
		configPath = flag.String("config", config.DefaultPath, "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all pending for up, 1 for down)")
		dir        = flag.String("dir", "migrations", "Directory holding the migration files")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slogger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slogger)

	migrator := &Migrator{dir: *dir}

	// Creating a migration file needs no database.
	if *action == "create" {
		if *name == "" {
			slog.Error("migration name is required for create action")
			os.Exit(1)
		}
		if err := migrator.Create(*name); err != nil {
			slog.Error("failed to create migration", "error", err)
			os.Exit(1)
		}
		return
	}

	if cfg.Database.URL == "" {
		slog.Error("database.url is not configured")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	migrator.db = db

	ctx := context.Background()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	switch *action {
	case "up":
		err = migrator.Up(ctx, *steps)
	case "down":
		err = migrator.Down(ctx, *steps)
	case "status":
		err = migrator.Status(ctx)
	default:
		slog.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("migration failed", "action", *action, "error", err)
		os.Exit(1)
	}
}

type Migrator struct {
	db  *sql.DB
	dir string
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, migrationsTable)

	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("ensuring migrations table: %w", err)
	}

	query := fmt.Sprintf("SELECT version, name, applied_at FROM %s", migrationsTable)
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]Migration)
	for rows.Next() {
		var migration Migration
		if err := rows.Scan(&migration.Version, &migration.Name, &migration.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[migration.Version] = migration
	}

	return applied, rows.Err()
}

// availableMigrations lists the up migrations on disk in version order.
func (m *Migrator) availableMigrations() ([]Migration, error) {
	files, err := filepath.Glob(filepath.Join(m.dir, "*.up.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing migration files: %w", err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		version, name, err := splitMigrationFilename(filepath.Base(file))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: file,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) pendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	available, err := m.availableMigrations()
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, migration := range available {
		if _, exists := applied[migration.Version]; !exists {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

func (m *Migrator) Up(ctx context.Context, steps int) error {
	pending, err := m.pendingMigrations(ctx)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		slog.Info("no pending migrations")
		return nil
	}

	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	for _, migration := range pending {
		if err := m.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("applying migration %s: %w", migration.Filename, err)
		}
		slog.Info("applied migration", "version", migration.Version, "name", migration.Name)
	}

	slog.Info("migrations completed", "count", len(pending))
	return nil
}

// Down rolls back applied migrations, most recent first. steps <= 0 rolls
// back a single migration.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	if len(applied) == 0 {
		slog.Info("no migrations to roll back")
		return nil
	}

	migrations := make([]Migration, 0, len(applied))
	for _, migration := range applied {
		migrations = append(migrations, migration)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version > migrations[j].Version
	})

	if steps <= 0 {
		steps = 1
	}
	if steps < len(migrations) {
		migrations = migrations[:steps]
	}

	for _, migration := range migrations {
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("rolling back migration %s: %w", migration.Version, err)
		}
		slog.Info("rolled back migration", "version", migration.Version, "name", migration.Name)
	}

	slog.Info("rollback completed", "count", len(migrations))
	return nil
}

func (m *Migrator) Status(ctx context.Context) error {
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	pending, err := m.pendingMigrations(ctx)
	if err != nil {
		return err
	}

	ordered := make([]Migration, 0, len(applied))
	for _, migration := range applied {
		ordered = append(ordered, migration)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})

	fmt.Printf("Applied migrations: %d\n", len(ordered))
	for _, migration := range ordered {
		fmt.Printf("  %s - %s (applied at %s)\n",
			migration.Version, migration.Name, migration.AppliedAt.Format(time.RFC3339))
	}

	fmt.Printf("\nPending migrations: %d\n", len(pending))
	for _, migration := range pending {
		fmt.Printf("  %s - %s\n", migration.Version, migration.Name)
	}

	return nil
}

// Create writes a paired up/down stub under the migrations directory.
func (m *Migrator) Create(name string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating migrations directory: %w", err)
	}

	version := time.Now().UTC().Format("20060102150405")
	base := fmt.Sprintf("%s_%s", version, name)

	files := map[string]string{
		filepath.Join(m.dir, base+".up.sql"):   fmt.Sprintf("-- %s\n\n", name),
		filepath.Join(m.dir, base+".down.sql"): fmt.Sprintf("-- revert %s\n\n", name),
	}
	for file, content := range files {
		if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
			return fmt.Errorf("creating migration file: %w", err)
		}
	}

	slog.Info("created migration",
		"up", filepath.Join(m.dir, base+".up.sql"),
		"down", filepath.Join(m.dir, base+".down.sql"))
	return nil
}

func (m *Migrator) applyMigration(ctx context.Context, migration Migration) error {
	content, err := os.ReadFile(migration.Filename)
	if err != nil {
		return fmt.Errorf("reading migration file: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("executing migration SQL: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", migrationsTable)
	if _, err := tx.ExecContext(ctx, query, migration.Version, migration.Name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit()
}

func (m *Migrator) rollbackMigration(ctx context.Context, migration Migration) error {
	file := filepath.Join(m.dir, migration.Version+"_"+migration.Name+".down.sql")
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading down migration: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("executing down migration SQL: %w", err)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE version = $1", migrationsTable)
	if _, err := tx.ExecContext(ctx, query, migration.Version); err != nil {
		return fmt.Errorf("removing migration record: %w", err)
	}

	return tx.Commit()
}

// splitMigrationFilename parses <version>_<name>.up.sql into its parts.
func splitMigrationFilename(base string) (version, name string, err error) {
	stem, ok := strings.CutSuffix(base, ".up.sql")
	if !ok {
		return "", "", fmt.Errorf("migration %s does not end in .up.sql", base)
	}

	version, name, ok = strings.Cut(stem, "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("migration %s is not named <version>_<name>.up.sql", base)
	}
	return version, name, nil
}
