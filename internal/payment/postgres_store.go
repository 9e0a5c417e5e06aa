package payment

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresStore persists payment sessions in PostgreSQL. The guard-flag
// flips are conditional UPDATEs: the WHERE clause is the atomic gate, so
// two concurrent callers can never both win the same claim.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sess *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (
			id, order_id, address, expected_amount, received_amount,
			callback_url, status, gas_funded, transferred, callback_delivered,
			sealed_key, sweep_tx_ref, created_at, expires_at, last_checked_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6),
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`,
		sess.ID, sess.OrderID, sess.Address, sess.ExpectedAmount, sess.ReceivedAmount,
		nullString(sess.CallbackURL), string(sess.Status),
		sess.GasFunded, sess.Transferred, sess.CallbackDelivered,
		sess.SealedKey, nullString(sess.SweepTxRef),
		sess.CreatedAt, sess.ExpiresAt, nullZeroTime(sess.LastCheckedAt), sess.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateOrder
	}
	return err
}

const sessionColumns = `id, order_id, address, expected_amount, received_amount,
		       callback_url, status, gas_funded, transferred, callback_delivered,
		       sealed_key, sweep_tx_ref, created_at, expires_at, last_checked_at, updated_at`

func (p *PostgresStore) GetByAddress(ctx context.Context, address string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE address = $1`, address)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (p *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE order_id = $1`, orderID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// Update writes the observation fields. Guard flags are deliberately
// absent; they only move through the conditional updates below.
func (p *PostgresStore) Update(ctx context.Context, sess *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_sessions SET
			expected_amount = $1::NUMERIC(20,6), received_amount = $2::NUMERIC(20,6),
			status = $3, callback_url = $4, last_checked_at = $5, updated_at = $6
		WHERE address = $7`,
		sess.ExpectedAmount, sess.ReceivedAmount,
		string(sess.Status), nullString(sess.CallbackURL),
		nullZeroTime(sess.LastCheckedAt), sess.UpdatedAt,
		sess.Address,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ClaimGasFunding(ctx context.Context, address string) (bool, error) {
	return p.flagFlip(ctx, `
		UPDATE payment_sessions SET gas_funded = TRUE, updated_at = NOW()
		WHERE address = $1 AND gas_funded = FALSE AND transferred = FALSE`, address)
}

func (p *PostgresStore) ReleaseGasFundingClaim(ctx context.Context, address string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_sessions SET gas_funded = FALSE, updated_at = NOW()
		WHERE address = $1 AND transferred = FALSE`, address)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkTransferred(ctx context.Context, address, txRef string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_sessions SET
			transferred = TRUE, status = $2, sweep_tx_ref = $3, updated_at = NOW()
		WHERE address = $1 AND transferred = FALSE`,
		address, string(StatusTransferred), txRef)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (p *PostgresStore) MarkCallbackDelivered(ctx context.Context, address string) (bool, error) {
	return p.flagFlip(ctx, `
		UPDATE payment_sessions SET callback_delivered = TRUE, updated_at = NOW()
		WHERE address = $1 AND callback_delivered = FALSE`, address)
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event *LedgerEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_events (
			id, session_id, kind, tx_ref, counterparty, amount, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7)`,
		event.ID, event.SessionID, string(event.Kind),
		nullString(event.TxRef), nullString(event.Counterparty),
		event.Amount, event.ObservedAt,
	)
	return err
}

func (p *PostgresStore) Events(ctx context.Context, sessionID string) ([]*LedgerEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, kind, tx_ref, counterparty, amount, observed_at
		FROM payment_events
		WHERE session_id = $1
		ORDER BY observed_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*LedgerEvent
	for rows.Next() {
		e := &LedgerEvent{}
		var kind string
		var txRef, counterparty sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &txRef, &counterparty,
			&e.Amount, &e.ObservedAt); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		e.TxRef = txRef.String
		e.Counterparty = counterparty.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE status IN ('pending', 'partial', 'confirmed')
		   OR (status = 'expired' AND received_amount > 0 AND transferred = FALSE)
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListPendingCallbacks(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE callback_delivered = FALSE
		  AND callback_url IS NOT NULL
		  AND status IN ('transferred', 'expired')
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// flagFlip runs a conditional UPDATE and reports whether this caller won.
func (p *PostgresStore) flagFlip(ctx context.Context, query, address string) (bool, error) {
	result, err := p.db.ExecContext(ctx, query, address)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Distinguish "lost the race" from "no such session".
		var exists bool
		err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_sessions WHERE address = $1)`, address).Scan(&exists)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrSessionNotFound
		}
		return false, nil
	}
	return true, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(s scanner) (*Session, error) {
	sess := &Session{}
	var (
		callbackURL   sql.NullString
		status        string
		sweepTxRef    sql.NullString
		lastCheckedAt sql.NullTime
	)

	err := s.Scan(
		&sess.ID, &sess.OrderID, &sess.Address, &sess.ExpectedAmount, &sess.ReceivedAmount,
		&callbackURL, &status, &sess.GasFunded, &sess.Transferred, &sess.CallbackDelivered,
		&sess.SealedKey, &sweepTxRef, &sess.CreatedAt, &sess.ExpiresAt, &lastCheckedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.CallbackURL = callbackURL.String
	sess.Status = Status(status)
	sess.SweepTxRef = sweepTxRef.String
	if lastCheckedAt.Valid {
		sess.LastCheckedAt = lastCheckedAt.Time
	}
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullZeroTime maps the zero time to NULL.
func nullZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value")
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
