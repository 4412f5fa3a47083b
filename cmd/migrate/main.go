package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v2"

	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/infra/database"
)

func main() {
	app := &cli.App{
		Name:  "gateway-migrate",
		Usage: "whatsapp-gateway database migration tool",
		Commands: []*cli.Command{
			newDBCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newDBCommand() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "manage database migrations",
		Subcommands: []*cli.Command{
			{
				Name: "init",
				Action: func(c *cli.Context) error {
					db, err := connectDB()
					if err != nil {
						return err
					}
					defer db.Close()
					return createMigrator(db).Init(c.Context)
				},
			},
			{
				Name: "migrate",
				Action: func(c *cli.Context) error {
					db, err := connectDB()
					if err != nil {
						return err
					}
					defer db.Close()

					group, err := createMigrator(db).Migrate(c.Context)
					if err != nil {
						return err
					}
					if group.ID == 0 {
						fmt.Println("there are no new migrations to run")
						return nil
					}
					fmt.Printf("migrated to %s\n", group)
					return nil
				},
			},
			{
				Name: "rollback",
				Action: func(c *cli.Context) error {
					db, err := connectDB()
					if err != nil {
						return err
					}
					defer db.Close()

					group, err := createMigrator(db).Rollback(c.Context)
					if err != nil {
						return err
					}
					if group.ID == 0 {
						fmt.Println("there are no groups to roll back")
						return nil
					}
					fmt.Printf("rolled back %s\n", group)
					return nil
				},
			},
			{
				Name: "status",
				Action: func(c *cli.Context) error {
					db, err := connectDB()
					if err != nil {
						return err
					}
					defer db.Close()

					var exists bool
					err = db.NewSelect().
						ColumnExpr("EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'inbound_jobs')").
						Scan(c.Context, &exists)
					if err != nil {
						return err
					}
					if exists {
						fmt.Println("inbound_jobs table exists")
					} else {
						fmt.Println("inbound_jobs table does not exist")
					}
					return nil
				},
			},
		},
	}
}

func createMigrator(db *bun.DB) *migrate.Migrator {
	migrations := migrate.NewMigrations()

	migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [UP] creating inbound_jobs table...")
		_, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS inbound_jobs (
				id BIGSERIAL PRIMARY KEY,
				session_id VARCHAR NOT NULL,
				raw_message BYTEA NOT NULL,
				received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
				status VARCHAR NOT NULL DEFAULT 'pending',
				attempts INT NOT NULL DEFAULT 0,
				last_error VARCHAR DEFAULT '',
				completed_at TIMESTAMP WITH TIME ZONE,
				next_attempt_at TIMESTAMP WITH TIME ZONE
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to create inbound_jobs table: %w", err)
		}

		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_inbound_jobs_status ON inbound_jobs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_inbound_jobs_session_id ON inbound_jobs(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_inbound_jobs_received_at ON inbound_jobs(received_at)`,
			`CREATE INDEX IF NOT EXISTS idx_inbound_jobs_next_attempt_at ON inbound_jobs(next_attempt_at)`,
		}
		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
		fmt.Println(" OK")
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [DOWN] dropping inbound_jobs table...")
		_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS inbound_jobs CASCADE`)
		if err != nil {
			return fmt.Errorf("failed to drop inbound_jobs table: %w", err)
		}
		fmt.Println(" OK")
		return nil
	})

	migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [UP] creating sessions table...")
		_, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS sessions (
				session_id VARCHAR NOT NULL PRIMARY KEY,
				user_id VARCHAR NOT NULL DEFAULT '',
				webhook_token VARCHAR NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
				last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to create sessions table: %w", err)
		}
		fmt.Println(" OK")
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [DOWN] dropping sessions table...")
		_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS sessions CASCADE`)
		if err != nil {
			return fmt.Errorf("failed to drop sessions table: %w", err)
		}
		fmt.Println(" OK")
		return nil
	})

	return migrate.NewMigrator(db, migrations, migrate.WithTableName("schema_migrations"), migrate.WithLocksTableName("schema_migration_locks"))
}

func connectDB() (*bun.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return database.NewConnection(cfg.Database, cfg.DatabaseURL())
}
