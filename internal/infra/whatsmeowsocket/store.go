package whatsmeowsocket

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"whatsapp-gateway/pkg/logger"
)

func init() {
	sqlstore.PostgresArrayWrapper = pq.Array
}

// NewContainer opens the sqlstore container whatsmeow uses to persist
// device credentials, backed by the same Postgres database as the rest of
// the gateway.
func NewContainer(dsn string) (*sqlstore.Container, error) {
	connector := pgdriver.NewConnector(pgdriver.WithDSN(dsn))
	sqldb := sql.OpenDB(connector)

	sqldb.SetMaxOpenConns(100)
	sqldb.SetMaxIdleConns(25)
	sqldb.SetConnMaxLifetime(30 * time.Minute)
	sqldb.SetConnMaxIdleTime(5 * time.Minute)

	storeLog := logger.NewWALogger("sqlstore")
	container := sqlstore.NewWithDB(sqldb, "postgres", storeLog)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade whatsmeow store schema: %w", err)
	}
	return container, nil
}
