package txlog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed log store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transaction_log table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transaction_log (
			id              BIGSERIAL PRIMARY KEY,
			escrow_id       BIGINT NOT NULL,
			conversation_id BIGINT NOT NULL,
			buyer_handle    TEXT NOT NULL,
			seller_handle   TEXT NOT NULL,
			amount          NUMERIC(30,8) NOT NULL,
			currency        TEXT NOT NULL DEFAULT '',
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_txlog_escrow ON transaction_log(escrow_id)
	`)
	return storeErr(err)
}

const entryColumns = `id, escrow_id, conversation_id, buyer_handle, seller_handle, amount, currency, recorded_at`

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transaction_log (escrow_id, conversation_id, buyer_handle, seller_handle, amount, currency, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.EscrowID, e.ConversationID, e.BuyerHandle, e.SellerHandle,
		e.Amount, e.Currency, e.RecordedAt,
	).Scan(&e.ID)
	return storeErr(err)
}

func (s *PostgresStore) ListByEscrow(ctx context.Context, escrowID int64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transaction_log
		WHERE escrow_id = $1
		ORDER BY id ASC`, escrowID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (s *PostgresStore) List(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM transaction_log
		ORDER BY id DESC
		LIMIT $1`
	args := []interface{}{limit}
	if afterID > 0 {
		query = `
		SELECT ` + entryColumns + `
		FROM transaction_log
		WHERE id < $2
		ORDER BY id DESC
		LIMIT $1`
		args = []interface{}{limit, afterID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (s *PostgresStore) EscrowCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT escrow_id, COUNT(*)
		FROM transaction_log
		GROUP BY escrow_id`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, storeErr(err)
		}
		counts[id] = n
	}
	return counts, storeErr(rows.Err())
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(
			&e.ID, &e.EscrowID, &e.ConversationID, &e.BuyerHandle,
			&e.SellerHandle, &e.Amount, &e.Currency, &e.RecordedAt,
		); err != nil {
			return nil, storeErr(err)
		}
		result = append(result, e)
	}
	return result, storeErr(rows.Err())
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

var _ Store = (*PostgresStore)(nil)
