package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ledgerLockID is the advisory lock serializing journal appends across
// engine instances sharing one database.
const ledgerLockID int64 = 0x636f6d7075746578

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *PostgresStore) Head(ctx context.Context) (model.JournalHead, error) {
	var h model.JournalHead
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT sequence, digest FROM audit_log ORDER BY sequence DESC LIMIT 1`).
		Scan(&seq, &h.Digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JournalHead{}, nil
	}
	if err != nil {
		return h, fmt.Errorf("journal head: %w", err)
	}
	h.Sequence = uint64(seq)
	return h, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, party string) (decimal.Decimal, error) {
	var amountS string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE party = $1`, party).Scan(&amountS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", party, err)
	}
	return decimal.NewFromString(amountS)
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT party, amount::TEXT, updated_at FROM balances ORDER BY party`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		var amountS string
		if err := rows.Scan(&b.Party, &amountS, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsApplied(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_keys WHERE key = $1)`, key).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) GetReceipt(ctx context.Context, key string) (*model.Receipt, error) {
	var data *string
	err := s.pool.QueryRow(ctx,
		`SELECT receipt::TEXT FROM applied_keys WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && data == nil) {
		return nil, fmt.Errorf("receipt %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r model.Receipt
	if err := json.Unmarshal([]byte(*data), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CommitEntry runs the whole entry in one transaction holding the ledger
// advisory lock.
func (s *PostgresStore) CommitEntry(ctx context.Context, e *Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockID); err != nil {
		return fmt.Errorf("ledger lock: %w", err)
	}

	if e.IndexKey != "" {
		var receipt *string
		if e.Receipt != nil {
			data, err := json.Marshal(e.Receipt)
			if err != nil {
				return err
			}
			str := string(data)
			receipt = &str
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO applied_keys (key, receipt) VALUES ($1, $2::JSONB)
			 ON CONFLICT (key) DO NOTHING`, e.IndexKey, receipt)
		if err != nil {
			return fmt.Errorf("index key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyApplied
		}
	}

	if r := e.Record; r != nil {
		var last int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM audit_log`).Scan(&last); err != nil {
			return err
		}
		if r.Sequence != uint64(last)+1 {
			return fmt.Errorf("append %d after %d: %w", r.Sequence, last, ErrSequenceGap)
		}
		postings, err := json.Marshal(r.Postings)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_log (sequence, ts, kind, entity, memo, delta, resulting_balance,
			                        postings, notional, mode, receipt_key, anchor_digest, digest)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::JSONB, $9, $10, $11, $12, $13)`,
			int64(r.Sequence), r.Timestamp, string(r.Kind), r.Entity, r.Memo,
			r.Delta.String(), r.ResultingBalance.String(),
			string(postings), r.Notional, string(r.Mode), r.ReceiptKey, r.AnchorDigest, r.Digest,
		); err != nil {
			return fmt.Errorf("append audit %d: %w", r.Sequence, err)
		}
	}

	for _, b := range e.Balances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (party, amount, updated_at) VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (party) DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
			b.Party, b.Amount.String(), b.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert balance %s: %w", b.Party, err)
		}
	}

	if f := e.Archive; f != nil {
		data, err := json.Marshal(f.Receipt)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO failed_applications (key, receipt, reason, failed_at, attempts)
			 VALUES ($1, $2::JSONB, $3, $4, $5)
			 ON CONFLICT (key) DO UPDATE SET reason = EXCLUDED.reason, attempts = EXCLUDED.attempts`,
			f.Receipt.IdempotencyKey, string(data), f.Reason, f.FailedAt, f.Attempts,
		); err != nil {
			return fmt.Errorf("archive %s: %w", f.Receipt.IdempotencyKey, err)
		}
	}

	if e.Unarchive != "" {
		if _, err := tx.Exec(ctx, `DELETE FROM failed_applications WHERE key = $1`, e.Unarchive); err != nil {
			return fmt.Errorf("unarchive %s: %w", e.Unarchive, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetFailed(ctx context.Context, key string) (*model.FailedApplication, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT receipt::TEXT, reason, failed_at, attempts FROM failed_applications WHERE key = $1`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanFailed(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("failed application %s: %w", key, ErrNotFound)
	}
	return &out[0], nil
}

func (s *PostgresStore) ListFailed(ctx context.Context) ([]model.FailedApplication, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT receipt::TEXT, reason, failed_at, attempts FROM failed_applications ORDER BY failed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFailed(rows)
}

func (s *PostgresStore) AuditRange(ctx context.Context, from uint64, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, ts, kind, entity, memo, delta::TEXT, resulting_balance::TEXT,
		        postings::TEXT, notional, mode, receipt_key, anchor_digest, digest
		 FROM audit_log WHERE sequence >= $1 ORDER BY sequence LIMIT $2`, int64(from), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var seq int64
		var kind, mode, deltaS, resultS, postingsS string
		if err := rows.Scan(&seq, &r.Timestamp, &kind, &r.Entity, &r.Memo, &deltaS, &resultS,
			&postingsS, &r.Notional, &mode, &r.ReceiptKey, &r.AnchorDigest, &r.Digest); err != nil {
			return nil, err
		}
		r.Sequence = uint64(seq)
		r.Kind = model.AuditKind(kind)
		r.Mode = model.ActivationMode(mode)
		r.Delta, _ = decimal.NewFromString(deltaS)
		r.ResultingBalance, _ = decimal.NewFromString(resultS)
		if err := json.Unmarshal([]byte(postingsS), &r.Postings); err != nil {
			return nil, fmt.Errorf("audit %d postings: %w", seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentDigests(ctx context.Context, limit int) ([]model.Digest, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, digest FROM audit_log ORDER BY sequence DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Digest
	for rows.Next() {
		var seq int64
		var dg model.Digest
		if err := rows.Scan(&seq, &dg.Value); err != nil {
			return nil, err
		}
		dg.Sequence = uint64(seq)
		out = append(out, dg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutSLA(ctx context.Context, r *model.SlaRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sla_records (job_id, lane, provider, consumer, provider_bond, consumer_bond,
		                          deadline, registered_at, attempts)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (job_id) DO UPDATE SET attempts = EXCLUDED.attempts, deadline = EXCLUDED.deadline`,
		r.JobID, r.Lane, r.Provider, r.Consumer,
		r.ProviderBond.String(), r.ConsumerBond.String(),
		r.Deadline, r.RegisteredAt, r.Attempts,
	)
	return err
}

func (s *PostgresStore) GetSLA(ctx context.Context, jobID string) (*model.SlaRecord, error) {
	rows, err := s.pool.Query(ctx, slaSelect+` WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanSLA(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sla %s: %w", jobID, ErrNotFound)
	}
	return &out[0], nil
}

func (s *PostgresStore) DeleteSLA(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sla_records WHERE job_id = $1`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sla %s: %w", jobID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListSLA(ctx context.Context) ([]model.SlaRecord, error) {
	rows, err := s.pool.Query(ctx, slaSelect+` ORDER BY job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSLA(rows)
}

func (s *PostgresStore) AppendTransition(ctx context.Context, t model.ActivationTransition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM activation_history`).Scan(&last); err != nil {
		return err
	}
	if t.Version != uint64(last)+1 {
		return fmt.Errorf("append version %d after %d: %w", t.Version, last, ErrVersionConflict)
	}

	var activateAt *time.Time
	if !t.To.ActivateAt.IsZero() {
		activateAt = &t.To.ActivateAt
	}
	// A concurrent writer racing for the same version hits the primary key.
	if _, err := tx.Exec(ctx,
		`INSERT INTO activation_history (version, from_mode, to_mode, activate_at, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(t.Version), string(t.From), string(t.To.Mode), activateAt, t.Reason, t.At,
	); err != nil {
		return fmt.Errorf("append version %d: %w", t.Version, ErrVersionConflict)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ActivationHistory(ctx context.Context) ([]model.ActivationTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, from_mode, to_mode, activate_at, reason, at
		 FROM activation_history ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActivationTransition
	for rows.Next() {
		var t model.ActivationTransition
		var version int64
		var from, to string
		var activateAt *time.Time
		if err := rows.Scan(&version, &from, &to, &activateAt, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		t.Version = uint64(version)
		t.From = model.ActivationMode(from)
		t.To.Mode = model.ActivationMode(to)
		if activateAt != nil {
			t.To.ActivateAt = *activateAt
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutReputation(ctx context.Context, r model.ReputationScore) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reputation (provider_id, score, last_updated) VALUES ($1, $2, $3)
		 ON CONFLICT (provider_id) DO UPDATE SET score = EXCLUDED.score, last_updated = EXCLUDED.last_updated`,
		r.ProviderID, r.Score, r.LastUpdated,
	)
	return err
}

func (s *PostgresStore) GetReputation(ctx context.Context, providerID string) (*model.ReputationScore, error) {
	var r model.ReputationScore
	err := s.pool.QueryRow(ctx,
		`SELECT provider_id, score, last_updated FROM reputation WHERE provider_id = $1`, providerID).
		Scan(&r.ProviderID, &r.Score, &r.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reputation %s: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListReputation(ctx context.Context) ([]model.ReputationScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider_id, score, last_updated FROM reputation ORDER BY provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReputationScore
	for rows.Next() {
		var r model.ReputationScore
		if err := rows.Scan(&r.ProviderID, &r.Score, &r.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const slaSelect = `SELECT job_id, lane, provider, consumer, provider_bond::TEXT, consumer_bond::TEXT,
	        deadline, registered_at, attempts FROM sla_records`

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanSLA(rows pgxRows) ([]model.SlaRecord, error) {
	var out []model.SlaRecord
	for rows.Next() {
		var r model.SlaRecord
		var providerBondS, consumerBondS string
		if err := rows.Scan(&r.JobID, &r.Lane, &r.Provider, &r.Consumer,
			&providerBondS, &consumerBondS, &r.Deadline, &r.RegisteredAt, &r.Attempts); err != nil {
			return nil, err
		}
		r.ProviderBond, _ = decimal.NewFromString(providerBondS)
		r.ConsumerBond, _ = decimal.NewFromString(consumerBondS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanFailed(rows pgxRows) ([]model.FailedApplication, error) {
	var out []model.FailedApplication
	for rows.Next() {
		var f model.FailedApplication
		var receiptS string
		if err := rows.Scan(&receiptS, &f.Reason, &f.FailedAt, &f.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(receiptS), &f.Receipt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
