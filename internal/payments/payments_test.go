package payments

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type flakyCharger struct {
	err   error
	calls int
}

func (f *flakyCharger) ChargeDeposit(ctx context.Context, projectID string, amount float64, paymentMethod string) error {
	f.calls++
	return f.err
}

func TestNoopProcessor_AlwaysSucceeds(t *testing.T) {
	p := NewNoopProcessor(slog.Default())
	if err := p.ChargeDeposit(context.Background(), "prj_1", 1500.0, "card"); err != nil {
		t.Fatalf("noop charge failed: %v", err)
	}
}

func TestStripeProcessor_RejectsNonPositiveAmounts(t *testing.T) {
	p := NewStripeProcessor("sk_test_unused", "usd", slog.Default())

	for _, amount := range []float64{0, -10} {
		if err := p.ChargeDeposit(context.Background(), "prj_1", amount, "pm_card"); err == nil {
			t.Errorf("expected error for amount %v", amount)
		}
	}
}

func TestGuardedProcessor_OpensAfterRepeatedFailures(t *testing.T) {
	inner := &flakyCharger{err: errors.New("rail down")}
	p := NewGuardedProcessor(inner, slog.Default())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := p.ChargeDeposit(ctx, "prj_1", 100, "card"); err == nil {
			t.Fatal("expected failure from inner charger")
		}
	}

	// Circuit is open now, the inner charger is not called again.
	err := p.ChargeDeposit(ctx, "prj_1", 100, "card")
	if !errors.Is(err, ErrRailUnavailable) {
		t.Fatalf("expected ErrRailUnavailable, got %v", err)
	}
	if inner.calls != 5 {
		t.Errorf("inner called %d times, want 5", inner.calls)
	}
}

func TestGuardedProcessor_CancellationDoesNotTrip(t *testing.T) {
	inner := &flakyCharger{err: context.Canceled}
	p := NewGuardedProcessor(inner, slog.Default())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = p.ChargeDeposit(ctx, "prj_1", 100, "card")
	}

	// All ten calls reached the inner charger, the circuit stayed closed.
	if inner.calls != 10 {
		t.Errorf("inner called %d times, want 10", inner.calls)
	}
}

func TestGuardedProcessor_PassesThroughOnSuccess(t *testing.T) {
	inner := &flakyCharger{}
	p := NewGuardedProcessor(inner, slog.Default())

	if err := p.ChargeDeposit(context.Background(), "prj_1", 100, "card"); err != nil {
		t.Fatalf("charge failed: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}
}
