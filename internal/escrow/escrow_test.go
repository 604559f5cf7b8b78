package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ustaplace/platform/internal/notify"
)

// --- mocks ---

type mockProjects struct {
	mu     sync.Mutex
	marked map[string]string // projectID -> paymentMethod
	err    error
}

func newMockProjects() *mockProjects {
	return &mockProjects{marked: make(map[string]string)}
}

func (m *mockProjects) MarkPaymentReceived(ctx context.Context, projectID, paymentMethod string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.marked[projectID] = paymentMethod
	return nil
}

type mockDeposits struct {
	mu      sync.Mutex
	charges int
	err     error
}

func (m *mockDeposits) ChargeDeposit(ctx context.Context, projectID string, amount float64, paymentMethod string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.charges++
	return nil
}

type mockNotifier struct {
	mu    sync.Mutex
	kinds []string
	users []string
}

func (m *mockNotifier) Notify(ctx context.Context, userID, kind, title, message string, data map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
	m.users = append(m.users, userID)
}

// conflictStore injects version conflicts into the first n Update calls.
type conflictStore struct {
	Store
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (c *conflictStore) Update(ctx context.Context, e *Escrow) error {
	c.mu.Lock()
	c.updates++
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject {
		return ErrConcurrentUpdate
	}
	return c.Store.Update(ctx, e)
}

// --- helpers ---

func newTestService() (*Service, *mockProjects) {
	projects := newMockProjects()
	return NewService(NewMemoryStore(), projects), projects
}

func initiated(t *testing.T, s *Service, verified bool) *Escrow {
	t.Helper()
	e, err := s.Initiate(context.Background(), InitiateRequest{
		ProjectID:       "prj_1",
		ClientID:        "client-1",
		ArtisanID:       "artisan-1",
		BaseAmount:      100000,
		ArtisanVerified: verified,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	return e
}

func held(t *testing.T, s *Service) *Escrow {
	t.Helper()
	e := initiated(t, s, true)
	e, err := s.ConfirmDeposit(context.Background(), e.ID, "card")
	if err != nil {
		t.Fatalf("ConfirmDeposit failed: %v", err)
	}
	return e
}

// --- tests ---

func TestInitiate(t *testing.T) {
	s, _ := newTestService()
	e := initiated(t, s, true)

	if e.Status != StatusPending {
		t.Errorf("expected pending, got %s", e.Status)
	}
	if e.Version != 1 {
		t.Errorf("expected version 1, got %d", e.Version)
	}
	if !e.IsVerified {
		t.Error("verification flag should persist")
	}
	// Default commission applies when the quote carries none.
	if e.CommissionPercent != DefaultCommissionPercent {
		t.Errorf("expected default commission, got %v", e.CommissionPercent)
	}
	if e.AdvanceAmount != 44100 {
		t.Errorf("expected advance 44100, got %v", e.AdvanceAmount)
	}
}

func TestInitiate_OnePerProject(t *testing.T) {
	s, _ := newTestService()
	initiated(t, s, false)

	_, err := s.Initiate(context.Background(), InitiateRequest{
		ProjectID: "prj_1", ClientID: "client-2", ArtisanID: "artisan-2", BaseAmount: 500,
	})
	if !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists, got %v", err)
	}
}

func TestInitiate_RejectsNegativeAmounts(t *testing.T) {
	s, _ := newTestService()

	for _, req := range []InitiateRequest{
		{ProjectID: "p", ClientID: "c", ArtisanID: "a", BaseAmount: -1},
		{ProjectID: "p", ClientID: "c", ArtisanID: "a", UrgentSurchargePercent: -5},
		{ProjectID: "p", ClientID: "c", ArtisanID: "a", CommissionPercent: -1},
	} {
		if _, err := s.Initiate(context.Background(), req); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("expected ErrInvalidAmount for %+v, got %v", req, err)
		}
	}
}

func TestConfirmDeposit(t *testing.T) {
	s, projects := newTestService()
	deposits := &mockDeposits{}
	notifier := &mockNotifier{}
	s.WithDeposits(deposits).WithNotifier(notifier)

	e := initiated(t, s, true)
	e, err := s.ConfirmDeposit(context.Background(), e.ID, "card")
	if err != nil {
		t.Fatalf("ConfirmDeposit failed: %v", err)
	}

	if e.Status != StatusHeld {
		t.Errorf("expected held, got %s", e.Status)
	}
	if e.PaymentMethod != "card" {
		t.Errorf("expected payment method card, got %s", e.PaymentMethod)
	}
	if e.Version != 2 {
		t.Errorf("expected version 2, got %d", e.Version)
	}
	if deposits.charges != 1 {
		t.Errorf("expected 1 charge, got %d", deposits.charges)
	}
	if projects.marked["prj_1"] != "card" {
		t.Error("project should be marked payment received")
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != notify.KindDepositReceived {
		t.Errorf("expected %s notification, got %v", notify.KindDepositReceived, notifier.kinds)
	}
	if notifier.users[0] != "artisan-1" {
		t.Errorf("deposit notification should go to the artisan, got %s", notifier.users[0])
	}
}

func TestConfirmDeposit_ChargeFailureAbortsTransition(t *testing.T) {
	s, projects := newTestService()
	s.WithDeposits(&mockDeposits{err: errors.New("card declined")})

	e := initiated(t, s, true)
	if _, err := s.ConfirmDeposit(context.Background(), e.ID, "card"); err == nil {
		t.Fatal("expected charge failure to surface")
	}

	got, _ := s.Get(context.Background(), e.ID)
	if got.Status != StatusPending {
		t.Errorf("failed charge must not move the escrow, got %s", got.Status)
	}
	if len(projects.marked) != 0 {
		t.Error("project must not be marked paid after a failed charge")
	}
}

func TestConfirmDeposit_ProjectMarkFailureIsAdvisory(t *testing.T) {
	s, projects := newTestService()
	projects.err = errors.New("projects table down")

	e := initiated(t, s, true)
	e, err := s.ConfirmDeposit(context.Background(), e.ID, "card")
	if err != nil {
		t.Fatalf("ConfirmDeposit should succeed despite project mark failure: %v", err)
	}
	if e.Status != StatusHeld {
		t.Errorf("expected held, got %s", e.Status)
	}
}

func TestReleaseAdvance(t *testing.T) {
	s, _ := newTestService()
	e := held(t, s)

	e, err := s.ReleaseAdvance(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("ReleaseAdvance failed: %v", err)
	}
	if e.Status != StatusAdvancePaid {
		t.Errorf("expected advance_paid, got %s", e.Status)
	}
	if !e.IsAdvancePaid || e.AdvancePaid != e.AdvanceAmount {
		t.Errorf("advance bookkeeping wrong: paid=%v amount=%v", e.AdvancePaid, e.AdvanceAmount)
	}
}

func TestReleaseAdvance_UnverifiedHasNone(t *testing.T) {
	s, _ := newTestService()
	e := initiated(t, s, false)
	e, err := s.ConfirmDeposit(context.Background(), e.ID, "card")
	if err != nil {
		t.Fatalf("ConfirmDeposit failed: %v", err)
	}

	if _, err := s.ReleaseAdvance(context.Background(), e.ID); !errors.Is(err, ErrNoAdvance) {
		t.Fatalf("expected ErrNoAdvance, got %v", err)
	}

	got, _ := s.Get(context.Background(), e.ID)
	if got.Status != StatusHeld {
		t.Errorf("failed advance must not move the escrow, got %s", got.Status)
	}
}

func TestFullLifecycle(t *testing.T) {
	s, _ := newTestService()
	e := held(t, s)

	e, err := s.ReleaseAdvance(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("ReleaseAdvance failed: %v", err)
	}
	e, err = s.ReleaseFullPayment(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("ReleaseFullPayment failed: %v", err)
	}
	if e.Status != StatusReleased {
		t.Errorf("expected released, got %s", e.Status)
	}
	if !e.IsTerminal() {
		t.Error("released escrow should be terminal")
	}
}

func TestTransitionTable(t *testing.T) {
	ops := []Operation{OpConfirmDeposit, OpReleaseAdvance, OpReleaseFull, OpFreeze, OpRefund, OpUpdateAmount}
	legal := map[Status]map[Operation]bool{
		StatusPending:     {OpConfirmDeposit: true, OpFreeze: true, OpRefund: true, OpUpdateAmount: true},
		StatusHeld:        {OpReleaseAdvance: true, OpReleaseFull: true, OpFreeze: true, OpRefund: true, OpUpdateAmount: true},
		StatusAdvancePaid: {OpReleaseFull: true},
		StatusReleased:    {},
		StatusFrozen:      {},
		StatusRefunded:    {},
	}

	for status, allowed := range legal {
		for _, op := range ops {
			_, err := next(status, op)
			if allowed[op] && err != nil {
				t.Errorf("%s in %s should be legal, got %v", op, status, err)
			}
			if !allowed[op] && err == nil {
				t.Errorf("%s in %s should be rejected", op, status)
			}
		}
	}
}

func TestUpdateAmount_Recomputes(t *testing.T) {
	s, _ := newTestService()
	e := initiated(t, s, true)

	e, err := s.UpdateForNewAmount(context.Background(), e.ID, 200000)
	if err != nil {
		t.Fatalf("UpdateForNewAmount failed: %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("recompute must not change status, got %s", e.Status)
	}
	if e.TotalAmount != 200000 || e.CommissionAmount != 20000 {
		t.Errorf("unexpected recompute: total=%v commission=%v", e.TotalAmount, e.CommissionAmount)
	}
	// Verified advance survives the recompute via the persisted flag.
	if e.AdvanceAmount != 88200 {
		t.Errorf("expected advance 88200, got %v", e.AdvanceAmount)
	}
}

func TestUpdateAmount_NotEditableAfterRelease(t *testing.T) {
	s, _ := newTestService()
	e := held(t, s)
	e, err := s.ReleaseFullPayment(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("ReleaseFullPayment failed: %v", err)
	}

	before, _ := s.Get(context.Background(), e.ID)
	_, err = s.UpdateForNewAmount(context.Background(), e.ID, 999999)
	if !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}

	after, _ := s.Get(context.Background(), e.ID)
	if *after != *before {
		t.Error("rejected edit must not mutate any field")
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	s, _ := newTestService()

	// refunded
	e := initiated(t, s, true)
	if _, err := s.Refund(context.Background(), e.ID); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	for name, op := range map[string]func() error{
		"confirm": func() error { _, err := s.ConfirmDeposit(context.Background(), e.ID, "card"); return err },
		"advance": func() error { _, err := s.ReleaseAdvance(context.Background(), e.ID); return err },
		"release": func() error { _, err := s.ReleaseFullPayment(context.Background(), e.ID); return err },
		"freeze":  func() error { _, err := s.Freeze(context.Background(), e.ID); return err },
		"refund":  func() error { _, err := s.Refund(context.Background(), e.ID); return err },
	} {
		if err := op(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on refunded escrow: expected ErrInvalidTransition, got %v", name, err)
		}
	}

	// reads still work
	if _, err := s.Get(context.Background(), e.ID); err != nil {
		t.Errorf("read on terminal escrow failed: %v", err)
	}
}

func TestFreeze_IsAbsorbing(t *testing.T) {
	s, _ := newTestService()
	notifier := &mockNotifier{}
	s.WithNotifier(notifier)
	e := held(t, s)

	e, err := s.Freeze(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if e.Status != StatusFrozen {
		t.Errorf("expected frozen, got %s", e.Status)
	}
	if last := notifier.kinds[len(notifier.kinds)-1]; last != notify.KindEscrowFrozen {
		t.Errorf("expected %s notification, got %s", notify.KindEscrowFrozen, last)
	}

	if _, err := s.ReleaseFullPayment(context.Background(), e.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release on frozen escrow should fail, got %v", err)
	}
	if _, err := s.UpdateForNewAmount(context.Background(), e.ID, 1); !errors.Is(err, ErrNotEditable) {
		t.Errorf("edit on frozen escrow should fail with ErrNotEditable, got %v", err)
	}
}

func TestTransition_RetriesOnceOnConflict(t *testing.T) {
	projects := newMockProjects()
	store := &conflictStore{Store: NewMemoryStore(), conflicts: 1}
	s := NewService(store, projects)

	e, err := s.Initiate(context.Background(), InitiateRequest{
		ProjectID: "prj_1", ClientID: "c", ArtisanID: "a", BaseAmount: 1000,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	e, err = s.ConfirmDeposit(context.Background(), e.ID, "card")
	if err != nil {
		t.Fatalf("transition should survive one conflict: %v", err)
	}
	if e.Status != StatusHeld {
		t.Errorf("expected held, got %s", e.Status)
	}
	if store.updates != 2 {
		t.Errorf("expected 2 update attempts, got %d", store.updates)
	}
}

func TestConfirmDeposit_ChargesOnceAcrossConflictRetry(t *testing.T) {
	projects := newMockProjects()
	store := &conflictStore{Store: NewMemoryStore(), conflicts: 1}
	deposits := &mockDeposits{}
	s := NewService(store, projects).WithDeposits(deposits)

	e, err := s.Initiate(context.Background(), InitiateRequest{
		ProjectID: "prj_1", ClientID: "c", ArtisanID: "a", BaseAmount: 1000,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	e, err = s.ConfirmDeposit(context.Background(), e.ID, "card")
	if err != nil {
		t.Fatalf("ConfirmDeposit should survive one conflict: %v", err)
	}
	if e.Status != StatusHeld {
		t.Errorf("expected held, got %s", e.Status)
	}
	if deposits.charges != 1 {
		t.Errorf("client charged %d times for one deposit, want 1", deposits.charges)
	}
}

func TestConfirmDeposit_ChargesOnceEvenWhenTransitionFails(t *testing.T) {
	projects := newMockProjects()
	store := &conflictStore{Store: NewMemoryStore(), conflicts: 2}
	deposits := &mockDeposits{}
	s := NewService(store, projects).WithDeposits(deposits)

	e, err := s.Initiate(context.Background(), InitiateRequest{
		ProjectID: "prj_1", ClientID: "c", ArtisanID: "a", BaseAmount: 1000,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	if _, err := s.ConfirmDeposit(context.Background(), e.ID, "card"); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if deposits.charges != 1 {
		t.Errorf("client charged %d times, want 1", deposits.charges)
	}
}

func TestTransition_GivesUpAfterSecondConflict(t *testing.T) {
	projects := newMockProjects()
	store := &conflictStore{Store: NewMemoryStore(), conflicts: 2}
	s := NewService(store, projects)

	e, err := s.Initiate(context.Background(), InitiateRequest{
		ProjectID: "prj_1", ClientID: "c", ArtisanID: "a", BaseAmount: 1000,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	if _, err := s.ConfirmDeposit(context.Background(), e.ID, "card"); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &Escrow{ID: "esc_1", ProjectID: "prj_1", Status: StatusPending, Version: 1}
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Writer A and B both read version 1.
	a, _ := store.Get(ctx, "esc_1")
	b, _ := store.Get(ctx, "esc_1")

	a.Version++
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first writer should win: %v", err)
	}

	b.Version++
	if err := store.Update(ctx, b); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("second writer should lose with ErrConcurrentUpdate, got %v", err)
	}
}

func TestConcurrentTransitions_OneWinner(t *testing.T) {
	s, _ := newTestService()
	e := initiated(t, s, true)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ConfirmDeposit(context.Background(), e.ID, "card")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrConcurrentUpdate) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("exactly one confirm should win, got %d", winners)
	}

	got, _ := s.Get(context.Background(), e.ID)
	if got.Status != StatusHeld || got.Version != 2 {
		t.Errorf("final state wrong: status=%s version=%d", got.Status, got.Version)
	}
}
