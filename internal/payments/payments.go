// Package payments charges client deposits through external payment rails.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/ustaplace/platform/internal/circuitbreaker"
	"github.com/ustaplace/platform/internal/metrics"
)

// ErrRailUnavailable is returned when the payment rail's circuit is open
// and charges are being rejected without being attempted.
var ErrRailUnavailable = errors.New("payment rail temporarily unavailable")

// Charger is the minimal deposit-charging surface shared by processors.
type Charger interface {
	ChargeDeposit(ctx context.Context, projectID string, amount float64, paymentMethod string) error
}

// StripeProcessor charges deposits as Stripe PaymentIntents. Amounts are
// in major currency units and converted to the smallest unit for Stripe.
type StripeProcessor struct {
	currency string
	logger   *slog.Logger
}

// NewStripeProcessor creates a processor using the given secret key.
// currency is an ISO code like "usd"; empty defaults to usd.
func NewStripeProcessor(key, currency string, logger *slog.Logger) *StripeProcessor {
	stripe.Key = key
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeProcessor{currency: currency, logger: logger}
}

// ChargeDeposit creates and confirms a PaymentIntent for the escrow total.
func (p *StripeProcessor) ChargeDeposit(ctx context.Context, projectID string, amount float64, paymentMethod string) error {
	cents := int64(math.Round(amount * 100))
	if cents <= 0 {
		metrics.DepositChargesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("invalid deposit amount %.2f", amount)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(p.currency),
		PaymentMethod: stripe.String(paymentMethod),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("project_id", projectID)

	pi, err := paymentintent.New(params)
	if err != nil {
		metrics.DepositChargesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("stripe charge failed: %w", err)
	}

	metrics.DepositChargesTotal.WithLabelValues("success").Inc()
	p.logger.Info("deposit charged",
		"project", projectID, "intent", pi.ID, "amount_cents", cents)
	return nil
}

// NoopProcessor accepts every charge without touching a payment rail.
// Used in development and when no Stripe key is configured.
type NoopProcessor struct {
	logger *slog.Logger
}

// NewNoopProcessor creates a processor that records but does not charge.
func NewNoopProcessor(logger *slog.Logger) *NoopProcessor {
	return &NoopProcessor{logger: logger}
}

func (p *NoopProcessor) ChargeDeposit(ctx context.Context, projectID string, amount float64, paymentMethod string) error {
	metrics.DepositChargesTotal.WithLabelValues("noop").Inc()
	p.logger.Info("deposit charge skipped (no payment processor configured)",
		"project", projectID, "amount", amount, "method", paymentMethod)
	return nil
}

const breakerKey = "deposits"

// GuardedProcessor wraps a Charger with a circuit breaker so a degraded
// rail fails fast with ErrRailUnavailable instead of timing out every
// deposit attempt.
type GuardedProcessor struct {
	inner   Charger
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewGuardedProcessor wraps inner with a breaker that opens after 5
// consecutive failures and probes again after 30 seconds.
func NewGuardedProcessor(inner Charger, logger *slog.Logger) *GuardedProcessor {
	return &GuardedProcessor{
		inner:   inner,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

func (p *GuardedProcessor) ChargeDeposit(ctx context.Context, projectID string, amount float64, paymentMethod string) error {
	if !p.breaker.Allow(breakerKey) {
		metrics.DepositChargesTotal.WithLabelValues("rejected").Inc()
		p.logger.Warn("deposit rejected, payment rail circuit open", "project", projectID)
		return ErrRailUnavailable
	}

	err := p.inner.ChargeDeposit(ctx, projectID, amount, paymentMethod)
	if err != nil {
		// Caller mistakes (bad amounts) and cancellations do not indicate
		// rail health, only transport and API errors trip the breaker.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			p.breaker.RecordFailure(breakerKey)
		}
		return err
	}

	p.breaker.RecordSuccess(breakerKey)
	return nil
}
