// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/vault-scanner/internal/config"
	"github.com/vault-scanner/internal/storage"
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	databaseURL := cfg.Database.Postgres.URL()
	migrationsPath := cfg.Database.Postgres.MigrationsPath

	switch *action {
	case "up":
		log.Println("Running postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Postgres migrations completed")
		ensureClickHouseSchema(cfg)
	case "down":
		log.Println("Rolling back last postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rollback completed")
	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			log.Fatalf("Failed to read migration version: %v", err)
		}
		log.Printf("Current version: %d (dirty: %v)", version, dirty)
	default:
		log.Fatalf("Unknown action: %s", *action)
	}
}

// ensureClickHouseSchema creates the sync_runs table. ClickHouse is optional;
// a missing instance only disables the audit trail.
func ensureClickHouseSchema(cfg *config.Config) {
	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		log.Printf("WARNING: clickhouse unavailable, skipping sync_runs schema: %v", err)
		return
	}
	defer clickhouse.Close()

	if err := storage.NewSyncRunRepository(clickhouse).EnsureSchema(context.Background()); err != nil {
		log.Printf("WARNING: failed to create sync_runs schema: %v", err)
		return
	}
	log.Println("ClickHouse sync_runs schema ensured")
}
