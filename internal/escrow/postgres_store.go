package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow records in PostgreSQL. Conditional updates
// are plain UPDATE ... WHERE status = expected statements; the row lock taken
// by the database makes them the linearization point.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id              BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL,
			initiator_id    BIGINT,
			buyer_handle    TEXT NOT NULL,
			buyer_id        BIGINT,
			seller_handle   TEXT NOT NULL,
			seller_id       BIGINT,
			amount          NUMERIC(30,8) NOT NULL,
			currency        TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'INIT',
			payout_info     TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_conversation ON escrows(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
	`)
	return storeErr(err)
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			conversation_id, initiator_id, buyer_handle, buyer_id,
			seller_handle, seller_id, amount, currency, status,
			payout_info, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12
		)
		RETURNING id`,
		e.ConversationID, nullInt64(e.InitiatorID), e.BuyerHandle, nullInt64(e.BuyerID),
		e.SellerHandle, nullInt64(e.SellerID), e.Amount, e.Currency, e.Status,
		nullString(e.PayoutInfo), e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	return storeErr(err)
}

const escrowColumns = `id, conversation_id, initiator_id, buyer_handle, buyer_id,
	       seller_handle, seller_id, amount, currency, status,
	       payout_info, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, storeErr(err)
}

func (p *PostgresStore) GetInConversation(ctx context.Context, id, conversationID int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE id = $1 AND conversation_id = $2`, id, conversationID)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, storeErr(err)
}

func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, expected, next)
	if err != nil {
		return false, storeErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	return rows == 1, nil
}

func (p *PostgresStore) CompareAndSetPayout(ctx context.Context, id int64, expected, next Status, payoutInfo string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = $3, payout_info = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
		  AND (payout_info IS NULL OR payout_info = '')`,
		id, expected, next, payoutInfo)
	if err != nil {
		return false, storeErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	return rows == 1, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id int64, next Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		id, next)
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

func (p *PostgresStore) RecordBuyerID(ctx context.Context, id, accountID int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET buyer_id = $2
		WHERE id = $1 AND (buyer_id IS NULL OR buyer_id = 0)`,
		id, accountID)
	return storeErr(err)
}

func (p *PostgresStore) RecordSellerID(ctx context.Context, id, accountID int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET seller_id = $2
		WHERE id = $1 AND (seller_id IS NULL OR seller_id = 0)`,
		id, accountID)
	return storeErr(err)
}

func (p *PostgresStore) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE conversation_id = $1
		ORDER BY id DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) List(ctx context.Context, afterID int64, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		ORDER BY id DESC
		LIMIT $1`
	args := []interface{}{limit}
	if afterID > 0 {
		query = `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE id < $2
		ORDER BY id DESC
		LIMIT $1`
		args = append(args, afterID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) VolumeByCurrency(ctx context.Context, statuses []Status) (map[string]decimal.Decimal, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT currency, SUM(amount)
		FROM escrows
		WHERE status = ANY($1)
		GROUP BY currency`, pq.Array(names))
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var currency string
		var total decimal.Decimal
		if err := rows.Scan(&currency, &total); err != nil {
			return nil, storeErr(err)
		}
		totals[currency] = total
	}
	return totals, storeErr(rows.Err())
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		initiatorID sql.NullInt64
		buyerID     sql.NullInt64
		sellerID    sql.NullInt64
		payoutInfo  sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.ConversationID, &initiatorID, &e.BuyerHandle, &buyerID,
		&e.SellerHandle, &sellerID, &e.Amount, &e.Currency, &e.Status,
		&payoutInfo, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.InitiatorID = initiatorID.Int64
	e.BuyerID = buyerID.Int64
	e.SellerID = sellerID.Int64
	e.PayoutInfo = payoutInfo.String

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		result = append(result, e)
	}
	return result, storeErr(rows.Err())
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt64 converts a zero id to sql.NullInt64.
func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// storeErr tags driver failures with ErrStoreUnavailable so callers can
// distinguish infrastructure trouble from business rejections. ErrNotFound
// passes through untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
