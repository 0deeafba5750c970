package store

import (
	"context"
	"fmt"

	"github.com/go-pg/pg/v10"
)

// PostgresStore writes batches straight into a warehouse table. Each batch
// is one transaction; a replayed batch is absorbed by the ON CONFLICT
// clause, which keeps at-least-once delivery from duplicating rows.
type PostgresStore struct {
	db    *pg.DB
	table string
}

// PostgresOptions configures the warehouse connection.
type PostgresOptions struct {
	Addr     string
	User     string
	Password string
	Database string
	Table    string
}

// OpenPostgres connects to the warehouse and verifies the connection.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	if opts.Table == "" {
		opts.Table = "collected_results"
	}
	db := pg.Connect(&pg.Options{
		Addr:     opts.Addr,
		User:     opts.User,
		Password: opts.Password,
		Database: opts.Database,
	})
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db, table: opts.Table}, nil
}

// EnsureSchema creates the results table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ? (
			batch_id       text        NOT NULL,
			row_n          integer     NOT NULL,
			item_id        text        NOT NULL,
			message_id     text        NOT NULL,
			correlation_id text,
			service        text        NOT NULL,
			resource       text        NOT NULL,
			api_version    text        NOT NULL,
			status         text        NOT NULL,
			payload        jsonb,
			error          text,
			collected_at   timestamptz NOT NULL,
			PRIMARY KEY (batch_id, row_n)
		)`, pg.Ident(s.table))
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// WriteBatch implements Writer.
func (s *PostgresStore) WriteBatch(ctx context.Context, batchID string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		for i, row := range rows {
			var payload interface{}
			if len(row.Payload) > 0 {
				payload = string(row.Payload)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ? (batch_id, row_n, item_id, message_id, correlation_id,
				               service, resource, api_version, status, payload, error,
				               collected_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (batch_id, row_n) DO NOTHING`,
				pg.Ident(s.table), batchID, i, row.ItemID, row.MessageID,
				row.CorrelationID, row.Service, row.Resource, row.APIVersion,
				row.Status, payload, row.Error, row.CollectedAt)
			if err != nil {
				return fmt.Errorf("insert row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch %s: %w", batchID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
