package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		stmts := []string{
			"CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state)",
			"CREATE INDEX IF NOT EXISTS jobs_owner_idx ON jobs (owner)",
			"CREATE INDEX IF NOT EXISTS job_assignments_job_id_idx ON job_assignments (job_id)",
			"CREATE INDEX IF NOT EXISTS job_assignments_open_idx ON job_assignments (job_id) WHERE finished_at IS NULL",
			"CREATE INDEX IF NOT EXISTS job_metrics_job_id_idx ON job_metrics (job_id)",
			"CREATE INDEX IF NOT EXISTS core_logs_module_idx ON core_logs (module, created_at)",
			"CREATE INDEX IF NOT EXISTS core_logs_expires_at_idx ON core_logs (expires_at)",
		}

		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		stmts := []string{
			"DROP INDEX IF EXISTS jobs_state_idx",
			"DROP INDEX IF EXISTS jobs_owner_idx",
			"DROP INDEX IF EXISTS job_assignments_job_id_idx",
			"DROP INDEX IF EXISTS job_assignments_open_idx",
			"DROP INDEX IF EXISTS job_metrics_job_id_idx",
			"DROP INDEX IF EXISTS core_logs_module_idx",
			"DROP INDEX IF EXISTS core_logs_expires_at_idx",
		}

		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	})
}
