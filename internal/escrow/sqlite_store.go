package escrow

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists escrow records in an embedded SQLite database.
// Amounts are stored as decimal strings and summed in Go so no float
// arithmetic ever touches money.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already-open SQLite database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite opens (or creates) the database file at path, applies the
// schema, and returns a ready store. SQLite allows a single writer, so
// the connection pool is capped at one.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr(err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the escrows table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			initiator_id    INTEGER,
			buyer_handle    TEXT NOT NULL,
			buyer_id        INTEGER,
			seller_handle   TEXT NOT NULL,
			seller_id       INTEGER,
			amount          TEXT NOT NULL,
			currency        TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'INIT',
			payout_info     TEXT,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_conversation ON escrows(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
	`)
	return storeErr(err)
}

func (s *SQLiteStore) Create(ctx context.Context, e *Escrow) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (
			conversation_id, initiator_id, buyer_handle, buyer_id,
			seller_handle, seller_id, amount, currency, status,
			payout_info, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConversationID, nullInt64(e.InitiatorID), e.BuyerHandle, nullInt64(e.BuyerID),
		e.SellerHandle, nullInt64(e.SellerID), e.Amount.String(), e.Currency, e.Status.String(),
		nullString(e.PayoutInfo), toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
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

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, id)

	e, err := sqliteScanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, storeErr(err)
}

func (s *SQLiteStore) GetInConversation(ctx context.Context, id, conversationID int64) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE id = ? AND conversation_id = ?`, id, conversationID)

	e, err := sqliteScanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, storeErr(err)
}

func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		next.String(), toMillis(time.Now()), id, expected.String())
	if err != nil {
		return false, storeErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	return rows == 1, nil
}

func (s *SQLiteStore) CompareAndSetPayout(ctx context.Context, id int64, expected, next Status, payoutInfo string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = ?, payout_info = ?, updated_at = ?
		WHERE id = ? AND status = ?
		  AND (payout_info IS NULL OR payout_info = '')`,
		next.String(), payoutInfo, toMillis(time.Now()), id, expected.String())
	if err != nil {
		return false, storeErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	return rows == 1, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, next Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = ?, updated_at = ?
		WHERE id = ?`,
		next.String(), toMillis(time.Now()), id)
	if err != nil {
		return storeErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordBuyerID(ctx context.Context, id, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET buyer_id = ?
		WHERE id = ? AND (buyer_id IS NULL OR buyer_id = 0)`,
		accountID, id)
	return storeErr(err)
}

func (s *SQLiteStore) RecordSellerID(ctx context.Context, id, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE escrows
		SET seller_id = ?
		WHERE id = ? AND (seller_id IS NULL OR seller_id = 0)`,
		accountID, id)
	return storeErr(err)
}

func (s *SQLiteStore) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	return sqliteScanEscrows(rows)
}

func (s *SQLiteStore) List(ctx context.Context, afterID int64, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		ORDER BY id DESC
		LIMIT ?`
	args := []interface{}{limit}
	if afterID > 0 {
		query = `
		SELECT ` + escrowColumns + `
		FROM escrows
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

	return sqliteScanEscrows(rows)
}

func (s *SQLiteStore) VolumeByCurrency(ctx context.Context, statuses []Status) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal)
	if len(statuses) == 0 {
		return totals, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, amount
		FROM escrows
		WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var currency, raw string
		if err := rows.Scan(&currency, &raw); err != nil {
			return nil, storeErr(err)
		}
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, storeErr(err)
		}
		totals[currency] = totals[currency].Add(amt)
	}
	return totals, storeErr(rows.Err())
}

func sqliteScanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		initiatorID sql.NullInt64
		buyerID     sql.NullInt64
		sellerID    sql.NullInt64
		rawAmount   string
		payoutInfo  sql.NullString
		createdAt   int64
		updatedAt   int64
	)

	err := s.Scan(
		&e.ID, &e.ConversationID, &initiatorID, &e.BuyerHandle, &buyerID,
		&e.SellerHandle, &sellerID, &rawAmount, &e.Currency, &e.Status,
		&payoutInfo, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	amt, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, err
	}

	e.InitiatorID = initiatorID.Int64
	e.BuyerID = buyerID.Int64
	e.SellerID = sellerID.Int64
	e.Amount = amt
	e.PayoutInfo = payoutInfo.String
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)

	return e, nil
}

func sqliteScanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := sqliteScanEscrow(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		result = append(result, e)
	}
	return result, storeErr(rows.Err())
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Compile-time assertion that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
