package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, project_id, client_id, artisan_id,
			base_amount, urgent_surcharge_percent, urgent_surcharge, total_amount,
			commission_percent, commission_amount, tax_amount, artisan_payout,
			advance_percent, advance_amount, remaining_amount,
			is_verified, advance_paid, is_advance_paid,
			status, payment_method, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18,
			$19, $20, $21, $22, $23
		)`,
		e.ID, e.ProjectID, e.ClientID, e.ArtisanID,
		e.BaseAmount, e.UrgentSurchargePercent, e.UrgentSurcharge, e.TotalAmount,
		e.CommissionPercent, e.CommissionAmount, e.TaxAmount, e.ArtisanPayout,
		e.AdvancePercent, e.AdvanceAmount, e.RemainingAmount,
		e.IsVerified, e.AdvancePaid, e.IsAdvancePaid,
		string(e.Status), nullString(e.PaymentMethod), e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// unique_violation on project_id: one escrow per project
		return ErrEscrowExists
	}
	return err
}

const escrowColumns = `id, project_id, client_id, artisan_id,
		base_amount, urgent_surcharge_percent, urgent_surcharge, total_amount,
		commission_percent, commission_amount, tax_amount, artisan_payout,
		advance_percent, advance_amount, remaining_amount,
		is_verified, advance_paid, is_advance_paid,
		status, payment_method, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByProject(ctx context.Context, projectID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE project_id = $1`, projectID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes the record conditionally on the version the caller read
// (e.Version-1). Zero rows affected means either the row is gone or a
// concurrent writer bumped the version first; the follow-up read tells
// the two apart.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			base_amount = $1, urgent_surcharge_percent = $2, urgent_surcharge = $3,
			total_amount = $4, commission_percent = $5, commission_amount = $6,
			tax_amount = $7, artisan_payout = $8, advance_percent = $9,
			advance_amount = $10, remaining_amount = $11,
			advance_paid = $12, is_advance_paid = $13,
			status = $14, payment_method = $15, version = $16, updated_at = $17
		WHERE id = $18 AND version = $19`,
		e.BaseAmount, e.UrgentSurchargePercent, e.UrgentSurcharge,
		e.TotalAmount, e.CommissionPercent, e.CommissionAmount,
		e.TaxAmount, e.ArtisanPayout, e.AdvancePercent,
		e.AdvanceAmount, e.RemainingAmount,
		e.AdvancePaid, e.IsAdvancePaid,
		string(e.Status), nullString(e.PaymentMethod), e.Version, e.UpdatedAt,
		e.ID, e.Version-1,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConcurrentUpdate
		}
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status        string
		paymentMethod sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.ProjectID, &e.ClientID, &e.ArtisanID,
		&e.BaseAmount, &e.UrgentSurchargePercent, &e.UrgentSurcharge, &e.TotalAmount,
		&e.CommissionPercent, &e.CommissionAmount, &e.TaxAmount, &e.ArtisanPayout,
		&e.AdvancePercent, &e.AdvanceAmount, &e.RemainingAmount,
		&e.IsVerified, &e.AdvancePaid, &e.IsAdvancePaid,
		&status, &paymentMethod, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.PaymentMethod = paymentMethod.String
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
