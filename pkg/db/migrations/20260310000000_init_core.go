package migrations

import (
	"context"
	"fmt"

	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		// Create jobs table from struct
		_, err := db.NewCreateTable().
			Model((*models.Job)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		// Create workers table from struct
		_, err = db.NewCreateTable().
			Model((*models.Worker)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		// Create worker_status table from struct
		_, err = db.NewCreateTable().
			Model((*models.WorkerStatus)(nil)).
			IfNotExists().
			ForeignKey(`("worker_id") REFERENCES workers ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		// Create job_assignments table from struct
		_, err = db.NewCreateTable().
			Model((*models.Assignment)(nil)).
			IfNotExists().
			ForeignKey(`("job_id") REFERENCES jobs ("id") ON DELETE CASCADE`).
			ForeignKey(`("worker_id") REFERENCES workers ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		// Create job_results table from struct
		_, err = db.NewCreateTable().
			Model((*models.JobResult)(nil)).
			IfNotExists().
			ForeignKey(`("job_id") REFERENCES jobs ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		// Create job_metrics table from struct
		_, err = db.NewCreateTable().
			Model((*models.JobMetric)(nil)).
			IfNotExists().
			ForeignKey(`("job_id") REFERENCES jobs ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		_, err := db.NewDropTable().Model((*models.JobMetric)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.JobResult)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.Assignment)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.WorkerStatus)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.Worker)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.Job)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		return nil
	})
}
