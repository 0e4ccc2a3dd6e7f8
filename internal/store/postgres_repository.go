/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * All multi-row mutations run inside a single transaction with row locks so the
 * nonce, processed-flag and reserve invariants hold across service instances.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloom/payment-intent-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the service tables when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schemaSQL)
	return err
}

const intentColumns = `id, kind, payer, creator, content_id, total_amount, platform_fee, operator_fee,
	creator_net_amount, settlement_token, expected_settlement_amount, max_slippage_bps, nonce, issuer,
	deadline, created_at, updated_at, status, processed, digest, signature, signer, signed_at,
	processed_at, failure_reason, settlement_reference`

func scanIntent(row pgx.Row) (*domain.Intent, error) {
	var (
		intent                                          domain.Intent
		id                                              string
		kind                                            int16
		contentID, nonce                                int64
		status                                          string
		digest, signature, signer, failure, settlement *string
	)
	err := row.Scan(
		&id, &kind, &intent.Payer, &intent.Creator, &contentID, &intent.TotalAmount, &intent.PlatformFee,
		&intent.OperatorFee, &intent.CreatorNetAmount, &intent.SettlementToken, &intent.ExpectedSettlementAmount,
		&intent.MaxSlippageBps, &nonce, &intent.Issuer, &intent.Deadline, &intent.CreatedAt, &intent.UpdatedAt,
		&status, &intent.Processed, &digest, &signature, &signer, &intent.SignedAt, &intent.ProcessedAt,
		&failure, &settlement,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := domain.ParseIntentID(id)
	if err != nil {
		return nil, fmt.Errorf("stored intent id %q: %w", id, err)
	}
	intent.ID = parsed
	intent.Kind = domain.PaymentKind(kind)
	intent.ContentID = uint64(contentID)
	intent.Nonce = uint64(nonce)
	intent.Status = domain.IntentStatus(status)
	intent.Digest = deref(digest)
	intent.Signature = deref(signature)
	intent.Signer = deref(signer)
	intent.FailureReason = deref(failure)
	intent.SettlementReference = deref(settlement)
	return &intent, nil
}

// GetIntent retrieves an intent by id.
func (r *PostgresRepository) GetIntent(ctx context.Context, id domain.IntentID) (*domain.Intent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id.String())
	intent, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return intent, nil
}

// CurrentNonce returns the next nonce the payer will consume.
func (r *PostgresRepository) CurrentNonce(ctx context.Context, payer string) (uint64, error) {
	var next int64
	err := r.db.QueryRow(ctx, `SELECT next_nonce FROM payer_nonces WHERE payer = $1`, payer).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		if isUndefinedTableError(err) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(next), nil
}

// InsertIntent inserts intent and advances the payer's nonce when it still equals expectedNonce.
func (r *PostgresRepository) InsertIntent(ctx context.Context, intent *domain.Intent, expectedNonce uint64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO payer_nonces (payer, next_nonce) VALUES ($1, 0) ON CONFLICT (payer) DO NOTHING`, intent.Payer); err != nil {
		return fmt.Errorf("ensure nonce row: %w", err)
	}

	// Lock the nonce row so concurrent creations for the same payer serialize here.
	var next int64
	if err := tx.QueryRow(ctx, `SELECT next_nonce FROM payer_nonces WHERE payer = $1 FOR UPDATE`, intent.Payer).Scan(&next); err != nil {
		return fmt.Errorf("lock nonce row: %w", err)
	}
	if uint64(next) != expectedNonce {
		return ErrNonceConflict
	}

	var insertedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO payment_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			NULLIF($20::text, ''), NULLIF($21::text, ''), NULLIF($22::text, ''), $23, $24, NULLIF($25::text, ''), NULLIF($26::text, ''))
		ON CONFLICT (id) DO NOTHING
		RETURNING id`,
		intent.ID.String(), int16(intent.Kind), intent.Payer, intent.Creator, int64(intent.ContentID),
		intent.TotalAmount, intent.PlatformFee, intent.OperatorFee, intent.CreatorNetAmount, intent.SettlementToken,
		intent.ExpectedSettlementAmount, intent.MaxSlippageBps, int64(intent.Nonce), intent.Issuer, intent.Deadline,
		intent.CreatedAt, intent.UpdatedAt, string(intent.Status), intent.Processed, intent.Digest, intent.Signature,
		intent.Signer, intent.SignedAt, intent.ProcessedAt, intent.FailureReason, intent.SettlementReference,
	).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Errorf(domain.ErrIntentAlreadyExists, "intent %s already exists", intent.ID)
		}
		return fmt.Errorf("insert intent: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE payer_nonces SET next_nonce = next_nonce + 1 WHERE payer = $1`, intent.Payer); err != nil {
		return fmt.Errorf("advance nonce: %w", err)
	}

	return tx.Commit(ctx)
}

// SaveDigest records the signing digest and moves a created intent to awaiting_signature.
func (r *PostgresRepository) SaveDigest(ctx context.Context, id domain.IntentID, digest string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_intents
		SET digest = $2,
			status = CASE WHEN status = $4 THEN $5 ELSE status END,
			updated_at = $3
		WHERE id = $1`,
		id.String(), digest, at, string(domain.IntentStatusCreated), string(domain.IntentStatusAwaitingSignature),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// SaveSignature stores the first signature for an unprocessed intent.
func (r *PostgresRepository) SaveSignature(ctx context.Context, id domain.IntentID, signature, signer string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_intents
		SET signature = $2, signer = $3, signed_at = $4, status = $5, updated_at = $4
		WHERE id = $1 AND signature IS NULL AND processed = FALSE`,
		id.String(), signature, signer, at, string(domain.IntentStatusSigned),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var signed, processed bool
	err = r.db.QueryRow(ctx, `SELECT signature IS NOT NULL, processed FROM payment_intents WHERE id = $1`, id.String()).Scan(&signed, &processed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIntentNotFound
		}
		return err
	}
	if signed {
		return domain.Errorf(domain.ErrAlreadySigned, "intent %s already signed", id)
	}
	return domain.Errorf(domain.ErrIntentAlreadyProcessed, "intent %s already processed", id)
}

// MarkProcessed flips the processed flag. It returns false when the intent was already processed.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, id domain.IntentID, result domain.ProcessedResult) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_intents
		SET processed = TRUE,
			status = $2,
			failure_reason = NULLIF($3::text, ''),
			settlement_reference = NULLIF($4::text, ''),
			processed_at = $5,
			updated_at = $5
		WHERE id = $1 AND processed = FALSE`,
		id.String(), string(result.Status), result.FailureReason, result.SettlementReference, result.ProcessedAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_intents WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrIntentNotFound
	}
	return false, nil
}

// ListAbandonedIntents returns unprocessed intents whose deadline fell in (deadlineAfter, deadlineUntil].
func (r *PostgresRepository) ListAbandonedIntents(ctx context.Context, deadlineAfter, deadlineUntil time.Time, limit int) ([]domain.Intent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE processed = FALSE AND deadline > $1 AND deadline <= $2
		ORDER BY deadline ASC
		LIMIT $3`,
		deadlineAfter, deadlineUntil, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []domain.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *intent)
	}
	return intents, rows.Err()
}

const refundColumns = `id, intent_id, payer, token, amount, reason, status, requested_at, processed_at, payout_reference`

func scanRefund(row pgx.Row) (*domain.RefundRequest, error) {
	var (
		refund    domain.RefundRequest
		intentID  string
		status    string
		reference *string
	)
	if err := row.Scan(&refund.ID, &intentID, &refund.Payer, &refund.Token, &refund.Amount, &refund.Reason,
		&status, &refund.RequestedAt, &refund.ProcessedAt, &reference); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseIntentID(intentID)
	if err != nil {
		return nil, fmt.Errorf("stored refund intent id %q: %w", intentID, err)
	}
	refund.IntentID = parsed
	refund.Status = domain.RefundStatus(status)
	refund.PayoutReference = deref(reference)
	return &refund, nil
}

// InsertRefund records a refund and adds its amount to the payer's pending balance.
func (r *PostgresRepository) InsertRefund(ctx context.Context, refund *domain.RefundRequest) error {
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var insertedID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO refund_requests (id, intent_id, payer, token, amount, reason, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (intent_id) DO NOTHING
		RETURNING id`,
		refund.ID, refund.IntentID.String(), refund.Payer, refund.Token, refund.Amount, refund.Reason,
		string(domain.RefundStatusPending), refund.RequestedAt,
	).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Errorf(domain.ErrRefundAlreadyRequested, "refund for intent %s already requested", refund.IntentID)
		}
		return fmt.Errorf("insert refund: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refund_pending_balances (payer, amount)
		VALUES ($1, $2)
		ON CONFLICT (payer) DO UPDATE SET amount = refund_pending_balances.amount + EXCLUDED.amount`,
		refund.Payer, refund.Amount,
	); err != nil {
		return fmt.Errorf("increase pending balance: %w", err)
	}

	refund.Status = domain.RefundStatusPending
	return tx.Commit(ctx)
}

// GetRefund retrieves the refund request for an intent.
func (r *PostgresRepository) GetRefund(ctx context.Context, intentID domain.IntentID) (*domain.RefundRequest, error) {
	refund, err := scanRefund(r.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE intent_id = $1`, intentID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return refund, nil
}

// ListPendingRefunds returns the oldest pending refunds first.
func (r *PostgresRepository) ListPendingRefunds(ctx context.Context, limit int) ([]domain.RefundRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests
		WHERE status = $1
		ORDER BY requested_at ASC
		LIMIT $2`,
		string(domain.RefundStatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.RefundRequest
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, *refund)
	}
	return refunds, rows.Err()
}

// PendingBalance returns the payer's outstanding refund total.
func (r *PostgresRepository) PendingBalance(ctx context.Context, payer string) (int64, error) {
	var amount int64
	err := r.db.QueryRow(ctx, `SELECT amount FROM refund_pending_balances WHERE payer = $1`, payer).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return amount, nil
}

// ReserveBalance returns the funds available for refund payouts.
func (r *PostgresRepository) ReserveBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM refund_reserve WHERE id = 1`).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// CreditReserve adds amount to the reserve and returns the new balance.
func (r *PostgresRepository) CreditReserve(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.Errorf(domain.ErrZeroAmount, "reserve credit must be positive")
	}
	var balance int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO refund_reserve (id, balance) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET balance = refund_reserve.balance + EXCLUDED.balance
		RETURNING balance`,
		amount,
	).Scan(&balance)
	return balance, err
}

// CompletePayout debits the reserve, decrements the payer's pending balance (floored at
// zero) and marks the refund processed in one transaction.
func (r *PostgresRepository) CompletePayout(ctx context.Context, intentID domain.IntentID, at time.Time) (*domain.RefundRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	refund, err := scanRefund(tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE intent_id = $1 FOR UPDATE`, intentID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.Errorf(domain.ErrRefundNotRequested, "no refund recorded for intent %s", intentID)
		}
		return nil, err
	}
	if refund.Processed() {
		return nil, domain.Errorf(domain.ErrRefundAlreadyProcessed, "refund for intent %s already paid", intentID)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO refund_reserve (id, balance) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	var reserve int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM refund_reserve WHERE id = 1 FOR UPDATE`).Scan(&reserve); err != nil {
		return nil, err
	}
	if reserve < refund.Amount {
		return nil, domain.Errorf(domain.ErrInsufficientReserve, "reserve %d below refund %d", reserve, refund.Amount)
	}
	if _, err := tx.Exec(ctx, `UPDATE refund_reserve SET balance = balance - $1 WHERE id = 1`, refund.Amount); err != nil {
		return nil, err
	}

	var pending int64
	err = tx.QueryRow(ctx, `SELECT amount FROM refund_pending_balances WHERE payer = $1 FOR UPDATE`, refund.Payer).Scan(&pending)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	debit := refund.Amount
	if pending < debit {
		debit = pending
	}
	if debit > 0 {
		if _, err := tx.Exec(ctx, `UPDATE refund_pending_balances SET amount = amount - $2 WHERE payer = $1`, refund.Payer, debit); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE refund_requests SET status = $2, processed_at = $3, pending_debited = $4 WHERE intent_id = $1`,
		intentID.String(), string(domain.RefundStatusProcessed), at, debit,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	refund.Status = domain.RefundStatusProcessed
	refund.ProcessedAt = &at
	return refund, nil
}

// RevertPayout undoes CompletePayout after the outbound transfer failed.
func (r *PostgresRepository) RevertPayout(ctx context.Context, intentID domain.IntentID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		status string
		amount int64
		debit  int64
		payer  string
	)
	err = tx.QueryRow(ctx, `SELECT status, amount, pending_debited, payer FROM refund_requests WHERE intent_id = $1 FOR UPDATE`, intentID.String()).
		Scan(&status, &amount, &debit, &payer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRefundNotFound
		}
		return err
	}
	if domain.RefundStatus(status) != domain.RefundStatusProcessed {
		return nil
	}

	if _, err := tx.Exec(ctx, `UPDATE refund_reserve SET balance = balance + $1 WHERE id = 1`, amount); err != nil {
		return err
	}
	if debit > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO refund_pending_balances (payer, amount) VALUES ($1, $2)
			ON CONFLICT (payer) DO UPDATE SET amount = refund_pending_balances.amount + EXCLUDED.amount`,
			payer, debit,
		); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE refund_requests SET status = $2, processed_at = NULL, pending_debited = 0 WHERE intent_id = $1`,
		intentID.String(), string(domain.RefundStatusPending),
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetPayoutReference stores the escrow reference of a completed payout.
func (r *PostgresRepository) SetPayoutReference(ctx context.Context, intentID domain.IntentID, reference string) error {
	tag, err := r.db.Exec(ctx, `UPDATE refund_requests SET payout_reference = NULLIF($2::text, '') WHERE intent_id = $1`, intentID.String(), reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
