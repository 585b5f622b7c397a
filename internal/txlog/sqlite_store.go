package txlog

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. Amounts are
// stored as decimal strings, timestamps as millisecond integers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already-open SQLite database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the transaction_log table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transaction_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			escrow_id       INTEGER NOT NULL,
			conversation_id INTEGER NOT NULL,
			buyer_handle    TEXT NOT NULL,
			seller_handle   TEXT NOT NULL,
			amount          TEXT NOT NULL,
			currency        TEXT NOT NULL DEFAULT '',
			recorded_at     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_txlog_escrow ON transaction_log(escrow_id)
	`)
	return storeErr(err)
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_log (escrow_id, conversation_id, buyer_handle, seller_handle, amount, currency, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EscrowID, e.ConversationID, e.BuyerHandle, e.SellerHandle,
		e.Amount.String(), e.Currency, e.RecordedAt.UTC().UnixMilli())
	if err != nil {
		return storeErr(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storeErr(err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStore) ListByEscrow(ctx context.Context, escrowID int64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transaction_log
		WHERE escrow_id = ?
		ORDER BY id ASC`, escrowID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	return sqliteScanEntries(rows)
}

func (s *SQLiteStore) List(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM transaction_log
		ORDER BY id DESC
		LIMIT ?`
	args := []interface{}{limit}
	if afterID > 0 {
		query = `
		SELECT ` + entryColumns + `
		FROM transaction_log
		WHERE id < ?
		ORDER BY id DESC
		LIMIT ?`
		args = []interface{}{afterID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	return sqliteScanEntries(rows)
}

func (s *SQLiteStore) EscrowCounts(ctx context.Context) (map[int64]int, error) {
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

func sqliteScanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var rawAmount string
		var recordedAt int64
		if err := rows.Scan(
			&e.ID, &e.EscrowID, &e.ConversationID, &e.BuyerHandle,
			&e.SellerHandle, &rawAmount, &e.Currency, &recordedAt,
		); err != nil {
			return nil, storeErr(err)
		}
		amt, err := decimal.NewFromString(rawAmount)
		if err != nil {
			return nil, storeErr(err)
		}
		e.Amount = amt
		e.RecordedAt = time.UnixMilli(recordedAt).UTC()
		result = append(result, e)
	}
	return result, storeErr(rows.Err())
}

var _ Store = (*SQLiteStore)(nil)
