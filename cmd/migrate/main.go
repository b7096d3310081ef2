// Package main is the migration CLI: applies, rolls back and inspects the
// goose migrations embedded in the migrations package.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/stackradar/knowledge-engine/internal/migrate"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		usage()
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	_ = godotenv.Overload("../../.env.local")

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(databaseDSN())))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, logger)
	ctx := context.Background()

	switch command {
	case "up":
		err = migrator.Up(ctx)
	case "up-to":
		var version int64
		version, err = parseVersion(flag.Arg(1))
		if err == nil {
			err = migrator.UpTo(ctx, version)
		}
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	case "version":
		var version int64
		if version, err = migrator.Version(ctx); err == nil {
			fmt.Printf("database version: %d\n", version)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// databaseDSN builds the connection string from DATABASE_URL or the
// individual POSTGRES_* variables, mirroring the server's database config.
func databaseDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "knowledge")
	pass := getEnv("POSTGRES_PASSWORD", "")
	name := getEnv("POSTGRES_DB", "knowledge")
	sslMode := getEnv("POSTGRES_SSL_MODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, name, sslMode)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseVersion(arg string) (int64, error) {
	if arg == "" {
		return 0, fmt.Errorf("up-to requires a version argument")
	}
	version, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", arg, err)
	}
	return version, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: migrate <command>

Commands:
  up          apply all pending migrations
  up-to <v>   apply migrations up to version v
  down        roll back the last migration
  status      print migration status
  version     print the current database version`)
}
