// Command rolemigrate rewrites legacy role names in the role_assignments
// table to their current equivalents. Run once per environment after
// deploying a release that renames roles; safe to re-run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/assessly/assessly-idp/internal/config"
)

// legacyRoles maps names used before the entitlement model split platform
// roles from per-application roles.
var legacyRoles = map[string]string{
	"admin":      "tenant_admin",
	"superadmin": "platform_admin",
	"assessor":   "reviewer",
	"candidate":  "respondent",
}

const updateRoleSQL = `UPDATE role_assignments SET role = $2 WHERE role = $1`

const countRoleSQL = `SELECT count(*) FROM role_assignments WHERE role = $1`

func main() {
	dryRun := flag.Bool("dry-run", false, "report affected rows without writing")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall command timeout")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()

	if err := run(ctx, pool, logger, *dryRun); err != nil {
		logger.Fatal("role migration failed", zap.Error(err))
	}
}

func run(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, dryRun bool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	for legacy, current := range legacyRoles {
		if dryRun {
			var n int64
			if err := tx.QueryRow(ctx, countRoleSQL, legacy).Scan(&n); err != nil {
				return fmt.Errorf("count %q: %w", legacy, err)
			}
			logger.Info("would migrate role",
				zap.String("from", legacy),
				zap.String("to", current),
				zap.Int64("rows", n),
			)
			total += n
			continue
		}

		tag, err := tx.Exec(ctx, updateRoleSQL, legacy, current)
		if err != nil {
			return fmt.Errorf("migrate %q: %w", legacy, err)
		}
		logger.Info("migrated role",
			zap.String("from", legacy),
			zap.String("to", current),
			zap.Int64("rows", tag.RowsAffected()),
		)
		total += tag.RowsAffected()
	}

	if dryRun {
		logger.Info("dry run complete", zap.Int64("rows", total))
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logger.Info("role migration complete", zap.Int64("rows", total))
	return nil
}
