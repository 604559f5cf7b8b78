// Package escrow implements the platform's escrow financial engine.
//
// Flow:
//  1. Client accepts a quote → escrow initiated with the full breakdown
//  2. Client pays the deposit → funds held by the platform
//  3. Verified artisan may draw a 50% advance while work is in progress
//  4. Work accepted → full payout released to the artisan
//  5. Dispute paths: freeze (suspend) or refund (return funds to client)
//
// Every monetary field is derived by Calculate; records are never patched
// field by field. All status changes go through a single transition table.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ustaplace/platform/internal/idgen"
	"github.com/ustaplace/platform/internal/logging"
	"github.com/ustaplace/platform/internal/metrics"
	"github.com/ustaplace/platform/internal/notify"
	"github.com/ustaplace/platform/internal/syncutil"
	"github.com/ustaplace/platform/internal/traces"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrEscrowExists      = errors.New("escrow already exists for this project")
	ErrInvalidTransition = errors.New("invalid escrow status for this operation")
	ErrNotEditable       = errors.New("escrow no longer editable")
	ErrConcurrentUpdate  = errors.New("escrow was modified concurrently")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNoAdvance         = errors.New("no advance available for this escrow")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending     Status = "pending"      // Created, awaiting client deposit
	StatusHeld        Status = "held"         // Deposit received, funds held by the platform
	StatusAdvancePaid Status = "advance_paid" // Advance disbursed to a verified artisan
	StatusReleased    Status = "released"     // Full payout disbursed, terminal
	StatusFrozen      Status = "frozen"       // Suspended pending review, recoverable only externally
	StatusRefunded    Status = "refunded"     // Funds returned to client, terminal
)

// Operation names a lifecycle transition.
type Operation string

const (
	OpConfirmDeposit Operation = "confirm_deposit"
	OpReleaseAdvance Operation = "release_advance"
	OpReleaseFull    Operation = "release_full"
	OpFreeze         Operation = "freeze"
	OpRefund         Operation = "refund"
	OpUpdateAmount   Operation = "update_amount"
)

// transitions is the single source of truth for which operation is legal in
// which state and where it leads. Operations absent for a state are
// rejected. OpUpdateAmount maps a state onto itself: it recomputes amounts
// without changing status.
var transitions = map[Status]map[Operation]Status{
	StatusPending: {
		OpConfirmDeposit: StatusHeld,
		OpFreeze:         StatusFrozen,
		OpRefund:         StatusRefunded,
		OpUpdateAmount:   StatusPending,
	},
	StatusHeld: {
		OpReleaseAdvance: StatusAdvancePaid,
		OpReleaseFull:    StatusReleased,
		OpFreeze:         StatusFrozen,
		OpRefund:         StatusRefunded,
		OpUpdateAmount:   StatusHeld,
	},
	StatusAdvancePaid: {
		OpReleaseFull: StatusReleased,
	},
	// released, frozen and refunded accept nothing. Unfreezing is an
	// administrative action outside the core lifecycle.
}

// next returns the resulting status for applying op in from, or an error.
// OpUpdateAmount gets its own sentinel so callers can distinguish "this
// escrow can never be edited again" from a generally illegal transition.
func next(from Status, op Operation) (Status, error) {
	if to, ok := transitions[from][op]; ok {
		return to, nil
	}
	if op == OpUpdateAmount {
		return "", ErrNotEditable
	}
	return "", ErrInvalidTransition
}

// Escrow is the persisted record, one per project.
type Escrow struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	ClientID  string `json:"clientId"`
	ArtisanID string `json:"artisanId"`

	Calculation

	// IsVerified snapshots the artisan's verification at initiation so
	// recomputes never have to re-derive it from the advance percentage.
	IsVerified bool `json:"isVerified"`

	AdvancePaid   float64 `json:"advancePaid"`
	IsAdvancePaid bool    `json:"isAdvancePaid"`
	Status        Status  `json:"status"`
	PaymentMethod string  `json:"paymentMethod,omitempty"`

	// Version increments on every write. Updates are conditional on the
	// version they read; a mismatch means a concurrent writer won.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// wasVerified reports whether recomputes should apply the verified advance.
// Rows created before the isVerified column existed fall back to inferring
// it from a non-zero advance percentage.
func (e *Escrow) wasVerified() bool {
	return e.IsVerified || e.AdvancePercent > 0
}

// Store persists escrow records.
//
// Update must be conditional: it matches on Version-1 (the version the
// caller read) and returns ErrConcurrentUpdate when another writer got
// there first.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByProject(ctx context.Context, projectID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// ProjectMarker flags the owning project when its deposit arrives, without
// escrow importing the projects package.
type ProjectMarker interface {
	MarkPaymentReceived(ctx context.Context, projectID, paymentMethod string) error
}

// DepositProcessor charges the client's deposit. Implementations live in
// internal/payments; a nil processor means deposits are confirmed as-is.
type DepositProcessor interface {
	ChargeDeposit(ctx context.Context, projectID string, amount float64, paymentMethod string) error
}

// Notifier delivers fire-and-forget user notifications after transitions.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, message string, data map[string]interface{})
}

// InitiateRequest contains the parameters for creating an escrow.
type InitiateRequest struct {
	ProjectID              string  `json:"projectId" binding:"required"`
	ClientID               string  `json:"clientId" binding:"required"`
	ArtisanID              string  `json:"artisanId" binding:"required"`
	BaseAmount             float64 `json:"baseAmount"`
	UrgentSurchargePercent float64 `json:"urgentSurchargePercent"`
	CommissionPercent      float64 `json:"commissionPercent"`
	ArtisanVerified        bool    `json:"artisanVerified"`
}

// Service implements the escrow lifecycle.
type Service struct {
	store             Store
	projects          ProjectMarker
	deposits          DepositProcessor
	notifier          Notifier
	defaultCommission float64
	locks             *syncutil.ContextShardedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, projects ProjectMarker) *Service {
	return &Service{
		store:             store,
		projects:          projects,
		defaultCommission: DefaultCommissionPercent,
		locks:             syncutil.NewContextShardedMutex(),
	}
}

// WithDefaultCommission overrides the commission applied to quotes that
// carry none. Values outside (0, 100] are ignored.
func (s *Service) WithDefaultCommission(pct float64) *Service {
	if pct > 0 && pct <= 100 {
		s.defaultCommission = pct
	}
	return s
}

// WithDeposits adds a deposit processor used by ConfirmDeposit.
func (s *Service) WithDeposits(p DepositProcessor) *Service {
	s.deposits = p
	return s
}

// WithNotifier adds a notification sink for lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Initiate creates the escrow for a project when its quote is accepted.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.initiate",
		traces.ProjectID(req.ProjectID), traces.Amount(req.BaseAmount))
	defer span.End()

	if req.BaseAmount < 0 {
		return nil, fmt.Errorf("%w: baseAmount must be non-negative", ErrInvalidAmount)
	}
	if req.UrgentSurchargePercent < 0 || req.CommissionPercent < 0 {
		return nil, fmt.Errorf("%w: percentages must be non-negative", ErrInvalidAmount)
	}

	commission := req.CommissionPercent
	if commission == 0 {
		commission = s.defaultCommission
	}

	if existing, err := s.store.GetByProject(ctx, req.ProjectID); err == nil && existing != nil {
		return nil, ErrEscrowExists
	}

	now := time.Now()
	e := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		ProjectID:   req.ProjectID,
		ClientID:    req.ClientID,
		ArtisanID:   req.ArtisanID,
		Calculation: Calculate(req.BaseAmount, req.UrgentSurchargePercent, commission, req.ArtisanVerified),
		IsVerified:  req.ArtisanVerified,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("initiate").Inc()
	return e, nil
}

// ConfirmDeposit records the client's deposit: charges it (when a processor
// is configured), marks the project as payment-received, and moves the
// escrow to held.
func (s *Service) ConfirmDeposit(ctx context.Context, id, paymentMethod string) (*Escrow, error) {
	// The charge is not idempotent: a version-conflict retry inside
	// transition must not bill the client a second time.
	charged := false
	e, err := s.transition(ctx, id, OpConfirmDeposit, func(e *Escrow) error {
		if s.deposits != nil && !charged {
			if err := s.deposits.ChargeDeposit(ctx, e.ProjectID, e.TotalAmount, paymentMethod); err != nil {
				return fmt.Errorf("deposit charge failed: %w", err)
			}
			charged = true
		}
		e.PaymentMethod = paymentMethod
		return nil
	})
	if err != nil {
		if charged {
			logging.L(ctx).Error("deposit charged but escrow not held, needs reconciliation",
				"escrowId", id, "error", err)
		}
		return nil, err
	}

	if err := s.projects.MarkPaymentReceived(ctx, e.ProjectID, paymentMethod); err != nil {
		// The escrow is already held; the project flag is advisory.
		logging.L(ctx).Warn("failed to mark project payment received",
			"projectId", e.ProjectID, "error", err)
	}

	s.notify(ctx, e.ArtisanID, notify.KindDepositReceived, "Deposit received",
		"The client's deposit is now held in escrow.", map[string]interface{}{
			"escrowId": e.ID, "projectId": e.ProjectID, "totalAmount": e.TotalAmount,
		})
	return e, nil
}

// ReleaseAdvance disburses the advance to a verified artisan.
func (s *Service) ReleaseAdvance(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.transition(ctx, id, OpReleaseAdvance, func(e *Escrow) error {
		if e.AdvanceAmount <= 0 {
			return ErrNoAdvance
		}
		e.IsAdvancePaid = true
		e.AdvancePaid = e.AdvanceAmount
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, e.ArtisanID, notify.KindAdvanceReleased, "Advance released",
		"Your advance payment has been released.", map[string]interface{}{
			"escrowId": e.ID, "projectId": e.ProjectID, "advancePaid": e.AdvancePaid,
		})
	return e, nil
}

// ReleaseFullPayment disburses the remaining payout to the artisan.
func (s *Service) ReleaseFullPayment(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.transition(ctx, id, OpReleaseFull, nil)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, e.ArtisanID, notify.KindPaymentReleased, "Payment released",
		"The full payout for your project has been released.", map[string]interface{}{
			"escrowId": e.ID, "projectId": e.ProjectID, "artisanPayout": e.ArtisanPayout,
		})
	return e, nil
}

// Freeze suspends an active escrow. No funds move.
func (s *Service) Freeze(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.transition(ctx, id, OpFreeze, nil)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, e.ArtisanID, notify.KindEscrowFrozen, "Escrow frozen",
		"The escrow for your project has been suspended pending review.", map[string]interface{}{
			"escrowId": e.ID, "projectId": e.ProjectID,
		})
	return e, nil
}

// Refund returns held funds to the client. Terminal.
func (s *Service) Refund(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.transition(ctx, id, OpRefund, nil)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, e.ClientID, notify.KindEscrowRefunded, "Escrow refunded",
		"The escrowed amount has been returned to you.", map[string]interface{}{
			"escrowId": e.ID, "projectId": e.ProjectID, "totalAmount": e.TotalAmount,
		})
	return e, nil
}

// UpdateForNewAmount recomputes the full breakdown for a revised base
// amount. Legal only while the escrow is pending or held; any later state
// fails with ErrNotEditable and mutates nothing. The urgent surcharge is
// reset on recompute: a revised quote supersedes the original urgency terms.
func (s *Service) UpdateForNewAmount(ctx context.Context, id string, newBaseAmount float64) (*Escrow, error) {
	if newBaseAmount < 0 {
		return nil, fmt.Errorf("%w: baseAmount must be non-negative", ErrInvalidAmount)
	}

	return s.transition(ctx, id, OpUpdateAmount, func(e *Escrow) error {
		e.Calculation = Calculate(newBaseAmount, 0, e.CommissionPercent, e.wasVerified())
		return nil
	})
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByProject returns the escrow owned by a project.
func (s *Service) GetByProject(ctx context.Context, projectID string) (*Escrow, error) {
	return s.store.GetByProject(ctx, projectID)
}

// ListByStatus returns escrows in a given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// transition runs one guarded state change: acquire the per-escrow lock,
// read fresh state, check the transition table, apply the mutation, and
// write conditionally on the version that was read. A concurrent-update
// conflict is retried once against fresh state; the guard is re-checked on
// the retry, so a transition that raced into illegality fails cleanly.
func (s *Service) transition(ctx context.Context, id string, op Operation, apply func(*Escrow) error) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(op), traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		to, err := next(e.Status, op)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot %s escrow in status %q", err, op, e.Status)
		}

		if apply != nil {
			if err := apply(e); err != nil {
				return nil, err
			}
		}

		e.Status = to
		e.Version++
		e.UpdatedAt = time.Now()

		err = s.store.Update(ctx, e)
		if err == nil {
			metrics.EscrowTransitionsTotal.WithLabelValues(string(op)).Inc()
			return e, nil
		}
		if errors.Is(err, ErrConcurrentUpdate) && attempt == 0 {
			metrics.EscrowConflictsTotal.Inc()
			continue
		}
		return nil, err
	}
	return nil, ErrConcurrentUpdate
}

func (s *Service) notify(ctx context.Context, userID, kind, title, message string, data map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, kind, title, message, data)
}
