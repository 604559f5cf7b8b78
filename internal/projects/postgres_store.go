package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a project store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const projectColumns = `id, client_id, artisan_id, title, description, category,
	status, payment_received, payment_method, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, client_id, artisan_id, title, description, category,
			status, payment_received, payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.ClientID, p.ArtisanID, p.Title, nullString(p.Description), nullString(p.Category),
		string(p.Status), p.PaymentReceived, nullString(p.PaymentMethod), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

func (s *PostgresStore) Update(ctx context.Context, p *Project) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET title = $1, description = $2, category = $3, status = $4,
			payment_received = $5, payment_method = $6, updated_at = $7
		WHERE id = $8`,
		p.Title, nullString(p.Description), nullString(p.Category), string(p.Status),
		p.PaymentReceived, nullString(p.PaymentMethod), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (s *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Project, error) {
	return s.listBy(ctx, "client_id", clientID, limit)
}

func (s *PostgresStore) ListByArtisan(ctx context.Context, artisanID string, limit int) ([]*Project, error) {
	return s.listBy(ctx, "artisan_id", artisanID, limit)
}

func (s *PostgresStore) listBy(ctx context.Context, column, value string, limit int) ([]*Project, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects
		WHERE `+column+` = $1
		ORDER BY created_at DESC
		LIMIT $2`, value, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*Project, error) {
	var p Project
	var description, category, paymentMethod sql.NullString
	var status string

	err := row.Scan(
		&p.ID, &p.ClientID, &p.ArtisanID, &p.Title, &description, &category,
		&status, &p.PaymentReceived, &paymentMethod, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	p.Status = Status(status)
	p.Description = description.String
	p.Category = category.String
	p.PaymentMethod = paymentMethod.String
	return &p, nil
}

func scanProjects(rows *sql.Rows) ([]*Project, error) {
	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
