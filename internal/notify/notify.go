// Package notify delivers in-app notifications to clients and artisans.
//
// Delivery is fire-and-forget: callers never block on, or see errors
// from, notification persistence. Failures are logged and counted.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ustaplace/platform/internal/idgen"
	"github.com/ustaplace/platform/internal/metrics"
	"github.com/ustaplace/platform/internal/retry"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Well-known notification kinds emitted by the escrow engine.
const (
	KindDepositReceived = "deposit_received"
	KindAdvanceReleased = "advance_released"
	KindPaymentReleased = "payment_released"
	KindEscrowFrozen    = "escrow_frozen"
	KindEscrowRefunded  = "escrow_refunded"
)

// Notification is a single in-app message for a user.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Kind      string                 `json:"kind"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// Service writes and reads notifications.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a notification service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Notify persists a notification for the user. It never returns an error;
// persistence failures are retried briefly, then logged and dropped. The
// caller's context is not used so that a cancelled request cannot lose
// the notification.
func (s *Service) Notify(ctx context.Context, userID, kind, title, message string, data map[string]interface{}) {
	if s == nil || s.store == nil {
		return
	}
	metrics.NotificationsTotal.WithLabelValues(kind).Inc()

	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := retry.Do(bg, 3, 100*time.Millisecond, func() error {
			return s.store.Create(bg, n)
		})
		if err != nil {
			s.logger.Warn("notification dropped",
				"user", userID, "kind", kind, "error", err)
		}
	}()
}

// ListByUser returns a user's notifications, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	return s.store.ListByUser(ctx, userID, unreadOnly, limit)
}

// MarkRead marks a notification as read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkRead(ctx, id)
}
