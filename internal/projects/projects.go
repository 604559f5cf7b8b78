// Package projects manages the job records that escrows attach to.
//
// A project is the unit of work a client hires an artisan for. The escrow
// engine owns the money lifecycle; this package owns the job metadata and
// the payment-received flag the mobile clients poll for.
package projects

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ustaplace/platform/internal/idgen"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrInvalidStatus   = errors.New("invalid project status")
)

// Status represents the lifecycle state of a project.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Project represents a job a client has hired an artisan for.
type Project struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	ArtisanID   string `json:"artisanId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Status      Status `json:"status"`

	// PaymentReceived is set when the escrow deposit clears. Clients poll
	// this flag to unlock the in-app workflow.
	PaymentReceived bool   `json:"paymentReceived"`
	PaymentMethod   string `json:"paymentMethod,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists projects.
type Store interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	Update(ctx context.Context, p *Project) error
	ListByClient(ctx context.Context, clientID string, limit int) ([]*Project, error)
	ListByArtisan(ctx context.Context, artisanID string, limit int) ([]*Project, error)
}

// Service provides project operations.
type Service struct {
	store Store
}

// NewService creates a project service backed by the given store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create registers a new project in the open state.
func (s *Service) Create(ctx context.Context, clientID, artisanID, title, description, category string) (*Project, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errors.New("title is required")
	}

	now := time.Now()
	p := &Project{
		ID:          idgen.WithPrefix("prj_"),
		ClientID:    clientID,
		ArtisanID:   artisanID,
		Title:       title,
		Description: description,
		Category:    category,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a project by ID.
func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	return s.store.Get(ctx, id)
}

// ListByClient returns a client's projects, newest first.
func (s *Service) ListByClient(ctx context.Context, clientID string, limit int) ([]*Project, error) {
	return s.store.ListByClient(ctx, clientID, limit)
}

// ListByArtisan returns an artisan's projects, newest first.
func (s *Service) ListByArtisan(ctx context.Context, artisanID string, limit int) ([]*Project, error) {
	return s.store.ListByArtisan(ctx, artisanID, limit)
}

// MarkPaymentReceived flags the project as paid and moves it in_progress.
// Called by the escrow engine after the deposit clears. Idempotent.
func (s *Service) MarkPaymentReceived(ctx context.Context, projectID, paymentMethod string) error {
	p, err := s.store.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if p.PaymentReceived {
		return nil
	}

	p.PaymentReceived = true
	p.PaymentMethod = paymentMethod
	if p.Status == StatusOpen {
		p.Status = StatusInProgress
	}
	p.UpdatedAt = time.Now()
	return s.store.Update(ctx, p)
}

// SetStatus moves the project to the given lifecycle state.
func (s *Service) SetStatus(ctx context.Context, projectID string, status Status) (*Project, error) {
	switch status {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusCancelled:
	default:
		return nil, ErrInvalidStatus
	}

	p, err := s.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
