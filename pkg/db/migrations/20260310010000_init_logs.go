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

		// Create core_logs table from struct
		_, err := db.NewCreateTable().
			Model((*models.LogEntry)(nil)).
			IfNotExists().
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		_, err := db.NewDropTable().Model((*models.LogEntry)(nil)).IfExists().Exec(ctx)
		return err
	})
}
