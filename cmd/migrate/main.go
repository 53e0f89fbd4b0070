package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"sntacc.org/internal/migrate"
	"sntacc.org/internal/obs"
	"sntacc.org/ops/migrations"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("SNTACC_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "read migrations from this directory instead of the embedded set")
		timeout = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	logger, err := obs.NewLogger(os.Getenv("SNTACC_ENV"), os.Getenv("SNTACC_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or SNTACC_PG_DSN")
	}
	if flag.NArg() == 0 {
		logger.Fatal("usage: migrate [up|down|status|pending|seed]")
	}

	var files fs.FS = migrations.FS
	if *dir != "" {
		files = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, files, "sql", "seeds", migrate.WithLogger(logger))

	cmd := flag.Arg(0)
	if err := run(ctx, mgr, cmd); err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}

func run(ctx context.Context, mgr *migrate.Manager, cmd string) error {
	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingToRollback) {
			fmt.Println("nothing to roll back")
			return nil
		}
		if err == nil {
			fmt.Println("rolled back", name)
		}
		return err
	case "seed":
		applied, err := mgr.Seed(ctx)
		for _, name := range applied {
			fmt.Println("seeded", name)
		}
		return err
	case "pending":
		pending, err := mgr.Pending(ctx)
		for _, name := range pending {
			fmt.Println(name)
		}
		return err
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, m := range history {
			if m.Applied && m.AppliedAt != nil {
				fmt.Printf("%-40s applied %s\n", m.Name, m.AppliedAt.UTC().Format(time.RFC3339))
			} else {
				fmt.Printf("%-40s pending\n", m.Name)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
