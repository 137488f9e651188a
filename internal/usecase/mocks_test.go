package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"custody-service/internal/client"
	"custody-service/internal/domain"
	publisher "custody-service/internal/pub"
	"custody-service/internal/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeStore is shared in-memory state behind the repository fakes, so a
// single test exercises the same records through every interface the way the
// database would.
type fakeStore struct {
	mu          sync.Mutex
	withdrawals map[string]*domain.WithdrawalRequest
	chains      map[string][]*domain.Approval
	checks      map[string][]*domain.ComplianceCheck
	audits      []*domain.AuditEntry

	transitionErrs []error // popped per Transition call, nil entries succeed
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		withdrawals: make(map[string]*domain.WithdrawalRequest),
		chains:      make(map[string][]*domain.Approval),
		checks:      make(map[string][]*domain.ComplianceCheck),
	}
}

func (s *fakeStore) copyWithdrawal(w *domain.WithdrawalRequest) *domain.WithdrawalRequest {
	cp := *w
	return &cp
}

// --- LedgerRepository fake ---

type fakeLedgerRepo struct {
	store  *fakeStore
	vaults *fakeVaultRepo
}

func (f *fakeLedgerRepo) CreateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest, approverIDs []string, entry *domain.AuditEntry) error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.IdempotencyKey != nil {
		for _, existing := range s.withdrawals {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *w.IdempotencyKey {
				return xerrors.ErrIdempotencyConflict
			}
		}
	}
	s.withdrawals[w.ID] = s.copyWithdrawal(w)

	for i, id := range approverIDs {
		s.chains[w.ID] = append(s.chains[w.ID], &domain.Approval{
			ID:         int64(len(s.chains[w.ID]) + 1),
			RequestID:  w.ID,
			ApproverID: id,
			Position:   i,
			Decision:   domain.DecisionPending,
			CreatedAt:  time.Now(),
		})
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (f *fakeLedgerRepo) Transition(ctx context.Context, w *domain.WithdrawalRequest, entry *domain.AuditEntry) error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.transitionErrs) > 0 {
		err := s.transitionErrs[0]
		s.transitionErrs = s.transitionErrs[1:]
		if err != nil {
			return err
		}
	}

	stored, ok := s.withdrawals[w.ID]
	if !ok {
		return xerrors.ErrNotFound
	}
	if stored.Version != w.Version {
		return xerrors.ErrVersionConflict
	}

	w.Version++
	w.StateEnteredAt = time.Now()
	s.withdrawals[w.ID] = s.copyWithdrawal(w)
	s.audits = append(s.audits, entry)
	return nil
}

func (f *fakeLedgerRepo) ReserveFunds(ctx context.Context, w *domain.WithdrawalRequest, entry *domain.AuditEntry) error {
	if err := f.vaults.ReserveTx(ctx, nil, w.Asset, w.Network, w.Amount); err != nil {
		return err
	}

	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Mirror the transactional rollback: a CAS miss releases the reservation.
	undo := func() {
		_ = f.vaults.Release(ctx, w.Asset, w.Network, w.Amount, false)
	}

	stored, ok := s.withdrawals[w.ID]
	if !ok {
		undo()
		return xerrors.ErrNotFound
	}
	if stored.Version != w.Version {
		undo()
		return xerrors.ErrVersionConflict
	}

	w.Version++
	s.withdrawals[w.ID] = s.copyWithdrawal(w)
	s.audits = append(s.audits, entry)
	return nil
}

func (f *fakeLedgerRepo) DecideSlot(ctx context.Context, requestID, approverID string, decision domain.Decision, reason *string, entry *domain.AuditEntry) (*domain.Approval, error) {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.chains[requestID] {
		if a.ApproverID != approverID {
			continue
		}
		if a.Decision != domain.DecisionPending {
			return nil, xerrors.ErrAlreadyDecided
		}
		now := time.Now()
		a.Decision = decision
		a.Reason = reason
		a.DecidedAt = &now
		s.audits = append(s.audits, entry)
		cp := *a
		return &cp, nil
	}
	return nil, xerrors.ErrAlreadyDecided
}

func (f *fakeLedgerRepo) RecordCheck(ctx context.Context, check *domain.ComplianceCheck, entry *domain.AuditEntry) error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *check
	s.checks[check.RequestID] = append(s.checks[check.RequestID], &cp)
	s.audits = append(s.audits, entry)
	return nil
}

func (f *fakeLedgerRepo) CompleteRebalancing(ctx context.Context, rec *domain.RebalancingRecord, entry *domain.AuditEntry) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.audits = append(f.store.audits, entry)
	return nil
}

// --- WithdrawalRepository fake (read side; writes go through the ledger) ---

type fakeWithdrawalRepo struct {
	store *fakeStore
}

func (f *fakeWithdrawalRepo) GetByID(ctx context.Context, id string) (*domain.WithdrawalRequest, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	w, ok := f.store.withdrawals[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return f.store.copyWithdrawal(w), nil
}

func (f *fakeWithdrawalRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WithdrawalRequest, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, w := range f.store.withdrawals {
		if w.IdempotencyKey != nil && *w.IdempotencyKey == key {
			return f.store.copyWithdrawal(w), nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeWithdrawalRepo) List(ctx context.Context, filter *domain.WithdrawalFilter) ([]*domain.WithdrawalRequest, int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*domain.WithdrawalRequest
	for _, w := range f.store.withdrawals {
		if filter.State != nil && w.State != *filter.State {
			continue
		}
		out = append(out, f.store.copyWithdrawal(w))
	}
	return out, int64(len(out)), nil
}

func (f *fakeWithdrawalRepo) ListOverdueWindow(ctx context.Context, now time.Time, limit int) ([]*domain.WithdrawalRequest, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*domain.WithdrawalRequest
	for _, w := range f.store.withdrawals {
		if w.State == domain.StateAwaitingWindow && w.WindowDeadline != nil && !now.Before(*w.WindowDeadline) {
			out = append(out, f.store.copyWithdrawal(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowDeadline.Before(*out[j].WindowDeadline)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeWithdrawalRepo) ListByState(ctx context.Context, state domain.State, limit int) ([]*domain.WithdrawalRequest, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*domain.WithdrawalRequest
	for _, w := range f.store.withdrawals {
		if w.State == state {
			out = append(out, f.store.copyWithdrawal(w))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeWithdrawalRepo) CreateTx(ctx context.Context, tx pgx.Tx, w *domain.WithdrawalRequest) error {
	panic("not used in tests")
}

func (f *fakeWithdrawalRepo) TransitionTx(ctx context.Context, tx pgx.Tx, w *domain.WithdrawalRequest) error {
	panic("not used in tests")
}

func (f *fakeWithdrawalRepo) BeginTx(ctx context.Context) (pgx.Tx, error) {
	panic("not used in tests")
}

// --- ApprovalRepository fake ---

type fakeApprovalRepo struct {
	store *fakeStore
}

func (f *fakeApprovalRepo) GetChain(ctx context.Context, requestID string) ([]*domain.Approval, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	chain := f.store.chains[requestID]
	out := make([]*domain.Approval, len(chain))
	for i, a := range chain {
		cp := *a
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeApprovalRepo) CreateChainTx(ctx context.Context, tx pgx.Tx, requestID string, approverIDs []string) error {
	panic("not used in tests")
}

func (f *fakeApprovalRepo) DecideTx(ctx context.Context, tx pgx.Tx, requestID, approverID string, decision domain.Decision, reason *string) (*domain.Approval, error) {
	panic("not used in tests")
}

// --- ComplianceRepository fake ---

type fakeComplianceRepo struct {
	store *fakeStore
}

func (f *fakeComplianceRepo) GetLatest(ctx context.Context, requestID string) (*domain.ComplianceCheck, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	checks := f.store.checks[requestID]
	if len(checks) == 0 {
		return nil, xerrors.ErrNotFound
	}
	cp := *checks[len(checks)-1]
	return &cp, nil
}

func (f *fakeComplianceRepo) ListByRequest(ctx context.Context, requestID string) ([]*domain.ComplianceCheck, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	checks := f.store.checks[requestID]
	out := make([]*domain.ComplianceCheck, len(checks))
	for i, c := range checks {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeComplianceRepo) CreateTx(ctx context.Context, tx pgx.Tx, check *domain.ComplianceCheck) error {
	panic("not used in tests")
}

// --- AuditRepository fake ---

type fakeAuditRepo struct {
	store *fakeStore
}

func (f *fakeAuditRepo) Create(ctx context.Context, entry *domain.AuditEntry) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.audits = append(f.store.audits, entry)
	return nil
}

func (f *fakeAuditRepo) CreateTx(ctx context.Context, tx pgx.Tx, entry *domain.AuditEntry) error {
	return f.Create(ctx, entry)
}

func (f *fakeAuditRepo) List(ctx context.Context, filter *domain.AuditFilter) ([]*domain.AuditEntry, int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []*domain.AuditEntry
	for _, e := range f.store.audits {
		if filter.ResourceID != nil && e.ResourceID != *filter.ResourceID {
			continue
		}
		out = append(out, e)
	}
	return out, int64(len(out)), nil
}

// --- VaultRepository fake ---

type fakeVaultRepo struct {
	mu           sync.Mutex
	vaults       map[string]*domain.VaultBalance
	rebalancings map[string]*domain.RebalancingRecord
}

func newFakeVaultRepo() *fakeVaultRepo {
	return &fakeVaultRepo{
		vaults:       make(map[string]*domain.VaultBalance),
		rebalancings: make(map[string]*domain.RebalancingRecord),
	}
}

func vaultKey(asset, network string) string { return asset + "/" + network }

func (f *fakeVaultRepo) Get(ctx context.Context, asset, network string) (*domain.VaultBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vaultKey(asset, network)]
	if !ok {
		return nil, xerrors.ErrVaultNotConfigured
	}
	cp := *v
	return &cp, nil
}

func (f *fakeVaultRepo) List(ctx context.Context) ([]*domain.VaultBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.VaultBalance
	for _, v := range f.vaults {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeVaultRepo) Upsert(ctx context.Context, v *domain.VaultBalance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *v
	f.vaults[vaultKey(v.Asset, v.Network)] = &cp
	return nil
}

func (f *fakeVaultRepo) ReserveTx(ctx context.Context, tx pgx.Tx, asset, network string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vaultKey(asset, network)]
	if !ok {
		return xerrors.ErrVaultNotConfigured
	}
	if v.HotBalance-v.Reserved < amount {
		return xerrors.ErrInsufficientHotBalance
	}
	v.Reserved += amount
	return nil
}

func (f *fakeVaultRepo) Release(ctx context.Context, asset, network string, amount int64, finalize bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vaultKey(asset, network)]
	if !ok {
		return xerrors.ErrVaultNotConfigured
	}
	v.Reserved -= amount
	if finalize {
		v.HotBalance -= amount
	}
	return nil
}

func (f *fakeVaultRepo) CreateRebalancing(ctx context.Context, rec *domain.RebalancingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.rebalancings[rec.ID] = &cp
	return nil
}

func (f *fakeVaultRepo) GetRebalancing(ctx context.Context, id string) (*domain.RebalancingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rebalancings[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeVaultRepo) ListRebalancings(ctx context.Context, filter *domain.RebalancingFilter) ([]*domain.RebalancingRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.RebalancingRecord
	for _, rec := range f.rebalancings {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Asset != nil && rec.Asset != *filter.Asset {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (f *fakeVaultRepo) AdvanceRebalancing(ctx context.Context, id string, from, to domain.RebalanceStatus, txRef, errorMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rebalancings[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	if rec.Status != from {
		return xerrors.ErrVersionConflict
	}
	rec.Status = to
	if txRef != nil {
		rec.TxRef = txRef
	}
	if errorMsg != nil {
		rec.ErrorMsg = errorMsg
	}
	return nil
}

func (f *fakeVaultRepo) ApplyRebalanceTx(ctx context.Context, tx pgx.Tx, rec *domain.RebalancingRecord) error {
	panic("not used in tests")
}

func (f *fakeVaultRepo) BeginTx(ctx context.Context) (pgx.Tx, error) {
	panic("not used in tests")
}

// completeRebalancing flips a pending record straight to completed and moves
// the balances, standing in for the rebalance worker.
func (f *fakeVaultRepo) completeRebalancing(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.rebalancings[id]
	rec.Status = domain.RebalanceCompleted
	v := f.vaults[vaultKey(rec.Asset, rec.Network)]
	switch rec.Direction {
	case domain.DirectionColdToHot:
		v.ColdBalance -= rec.Amount
		v.HotBalance += rec.Amount
	case domain.DirectionHotToCold:
		v.HotBalance -= rec.Amount
		v.ColdBalance += rec.Amount
	}
}

// --- Collaborator client mocks ---

type mockRegistry struct {
	entry *client.AddressEntry
	err   error
}

func (m *mockRegistry) IsWhitelisted(ctx context.Context, accountID, asset, address string) (*client.AddressEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.entry, nil
}

type mockDirectory struct {
	eligible map[string]bool
}

func (m *mockDirectory) ResolveApprovers(ctx context.Context, orgRef string, approverIDs []string) ([]client.ApproverInfo, error) {
	out := make([]client.ApproverInfo, 0, len(approverIDs))
	for _, id := range approverIDs {
		eligible := true
		if m.eligible != nil {
			eligible = m.eligible[id]
		}
		out = append(out, client.ApproverInfo{ID: id, Name: id, Eligible: eligible})
	}
	return out, nil
}

type mockBroadcast struct {
	submitFn        func(*client.SubmitRequest) (*client.SubmitResult, error)
	confirmationsFn func(string) (*client.ConfirmationStatus, error)
}

func (m *mockBroadcast) Submit(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
	return m.submitFn(req)
}

func (m *mockBroadcast) GetConfirmations(ctx context.Context, txRef string) (*client.ConfirmationStatus, error) {
	return m.confirmationsFn(txRef)
}

type mockScorer struct {
	assessment *RiskAssessment
	err        error
}

func (m *mockScorer) Score(ctx context.Context, w *domain.WithdrawalRequest) (*RiskAssessment, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.assessment, nil
}

// mockRates converts 1 minor unit of any asset into `rate` reporting minor
// units.
type mockRates struct {
	rate int64
}

func (m *mockRates) ToReporting(ctx context.Context, asset string, amount int64) (decimal.Decimal, error) {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(m.rate)), nil
}

// newTestPublisher returns a publisher with its writer already closed, so
// Publish is a no-op instead of a network call.
func newTestPublisher() *publisher.EventPublisher {
	p := publisher.NewEventPublisher([]string{"localhost:0"}, "test", zap.NewNop())
	_ = p.Close()
	return p
}

func newTestTracker() *StatusTracker {
	// Not started: updates stay in the local cache and the buffered channel.
	return NewStatusTracker(nil, time.Minute, zap.NewNop())
}
