// Command migrate applies the SQL files in migrations/ to the Postgres
// database used by the postgres storage driver. Applied versions are tracked
// in schema_migrations using golang-migrate's layout (bigint version plus a
// dirty flag), so either tool can take over.
//
// Usage:
//
//	go run ./cmd/migrate up
//	DATABASE_URL=postgres://... go run ./cmd/migrate status
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/BlockWitness/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dir    string
	dbURL  string
	logger *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the BlockWitness Postgres schema",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		if dbURL == "" {
			dbURL = os.Getenv("DATABASE_URL")
		}
		if dbURL == "" {
			cfg, err := config.Load(config.New())
			if err != nil {
				return err
			}
			dbURL = cfg.Storage.DatabaseURL
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, db *pgxpool.Pool) error {
			files, err := migrationFiles(dir)
			if err != nil {
				return err
			}
			applied := 0
			for _, m := range files {
				done, err := apply(ctx, db, m)
				if err != nil {
					return err
				}
				if done {
					applied++
				}
			}
			logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations have been applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, db *pgxpool.Pool) error {
			files, err := migrationFiles(dir)
			if err != nil {
				return err
			}
			for _, m := range files {
				var dirty bool
				err := db.QueryRow(ctx, `SELECT dirty FROM schema_migrations WHERE version = $1`, m.version).Scan(&dirty)
				state := "applied"
				switch {
				case err != nil:
					state = "pending"
				case dirty:
					state = "DIRTY"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, m.name)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "Directory holding NNN_name.up.sql files")
	rootCmd.PersistentFlags().StringVar(&dbURL, "database-url", "", "Postgres URL (default $DATABASE_URL, then database.url from config)")
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
}

type migration struct {
	version int64
	name    string
	path    string
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return fn(ctx, db)
}

// migrationFiles returns the *.up.sql files in dir ordered by version.
func migrationFiles(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		ver, err := versionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: ver, name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// apply runs m unless it is already recorded clean. A failure leaves the
// version marked dirty.
func apply(ctx context.Context, db *pgxpool.Pool, m migration) (bool, error) {
	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
		m.version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s: %w", m.name, err)
	}
	if exists {
		logger.Debug("skip migration", zap.String("file", m.name))
		return false, nil
	}

	sql, err := os.ReadFile(m.path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", m.name, err)
	}

	if _, err := db.Exec(ctx,
		`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
		 ON CONFLICT (version) DO UPDATE SET dirty = true`, m.version,
	); err != nil {
		return false, fmt.Errorf("mark dirty %s: %w", m.name, err)
	}
	if _, err := db.Exec(ctx, string(sql)); err != nil {
		return false, fmt.Errorf("apply %s: %w", m.name, err)
	}
	if _, err := db.Exec(ctx,
		`UPDATE schema_migrations SET dirty = false WHERE version = $1`, m.version,
	); err != nil {
		return false, fmt.Errorf("mark clean %s: %w", m.name, err)
	}

	logger.Info("applied migration", zap.String("file", m.name), zap.Int64("version", m.version))
	return true, nil
}

// versionFromFile extracts the leading integer: "001_init.up.sql" is 1.
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("expected NNN_name.up.sql")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
