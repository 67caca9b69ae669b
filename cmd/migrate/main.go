package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/arasola/recoverygate/internal/config"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	dir := flag.String("dir", "migrations", "directory with migration files")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		logger.Error("missing goose command (up, down, status, version, ...)")
		os.Exit(1)
	}
	command := args[0]

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set goose dialect", slog.Any("error", err))
		os.Exit(1)
	}

	if err := goose.RunContext(context.Background(), command, db, *dir, args[1:]...); err != nil {
		logger.Error("migration command failed",
			slog.String("command", command),
			slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("migration command completed", slog.String("command", command))
}
