package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"custody-service/internal/client"
	"custody-service/internal/config"
	"custody-service/internal/domain"
	"custody-service/internal/xerrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	store     *fakeStore
	vaults    *fakeVaultRepo
	registry  *mockRegistry
	broadcast *mockBroadcast
	scorer    *mockScorer
	rates     *mockRates

	withdrawalUC *WithdrawalUsecase
	sourcingUC   *SourcingUsecase
	screeningUC  *ScreeningUsecase
}

func testConfig() config.AppConfig {
	return config.AppConfig{
		WaitWindow:       24 * time.Hour,
		BroadcastTimeout: 10 * time.Minute,
		RequiredConfirmations: map[string]int{
			"BTC": 3,
			"ETH": 12,
		},
		TargetHotRatio:     2000,
		DeviationTolerance: 500,
		Screening: config.ScreeningConfig{
			AmountWeight:          30,
			AddressWeight:         35,
			VelocityWeight:        20,
			PatternWeight:         15,
			FlagThreshold:         70,
			VelocityFailThreshold: 90,
			PatternFailThreshold:  60,
			TierMediumAmount:      100_000_000,
			TierHighAmount:        1_000_000_000,
			ReportingCurrency:     "KRW",
			TravelRuleThreshold:   1_000_000,
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := newFakeStore()
	vaults := newFakeVaultRepo()
	require.NoError(t, vaults.Upsert(context.Background(), &domain.VaultBalance{
		Asset:          "BTC",
		Network:        "bitcoin",
		HotBalance:     1_000_000_000,  // 10 BTC
		ColdBalance:    9_000_000_000,  // 90 BTC
		TargetHotRatio: 2000,
	}))

	h := &harness{
		store:  store,
		vaults: vaults,
		registry: &mockRegistry{
			entry: &client.AddressEntry{Whitelisted: true, CanWithdraw: true},
		},
		broadcast: &mockBroadcast{
			submitFn: func(req *client.SubmitRequest) (*client.SubmitResult, error) {
				return &client.SubmitResult{Accepted: true, TxRef: "tx_" + req.RequestID}, nil
			},
			confirmationsFn: func(txRef string) (*client.ConfirmationStatus, error) {
				return &client.ConfirmationStatus{TxRef: txRef, Confirmations: 0}, nil
			},
		},
		scorer: &mockScorer{
			assessment: &RiskAssessment{AmountScore: 10, AddressScore: 5, VelocityScore: 10, PatternScore: 10},
		},
		// Conversions stay below the reporting threshold unless a test sets
		// a rate.
		rates: &mockRates{rate: 0},
	}

	cfg := testConfig()
	logger := zap.NewNop()
	ledger := &fakeLedgerRepo{store: store, vaults: vaults}
	withdrawals := &fakeWithdrawalRepo{store: store}
	approvals := &fakeApprovalRepo{store: store}
	compliance := &fakeComplianceRepo{store: store}
	audits := &fakeAuditRepo{store: store}

	approvalUC := NewApprovalUsecase(ledger, approvals, logger)
	h.screeningUC = NewScreeningUsecase(ledger, compliance, h.scorer, h.rates, cfg.Screening, logger)
	h.sourcingUC = NewSourcingUsecase(vaults, audits, logger)
	broadcastUC := NewBroadcastUsecase(h.broadcast, cfg.RequiredConfirmations, cfg.BroadcastTimeout, logger)

	h.withdrawalUC = NewWithdrawalUsecase(
		withdrawals, ledger,
		approvalUC, h.screeningUC, h.sourcingUC, broadcastUC,
		h.registry, &mockDirectory{},
		newTestTracker(), newTestPublisher(), cfg, logger,
	)
	return h
}

func individualReq() *domain.CreateWithdrawalRequest {
	return &domain.CreateWithdrawalRequest{
		RequestedBy: "user-1",
		SourceType:  domain.SourceIndividual,
		SourceRef:   "acct-1",
		Destination: "bc1qdest",
		Asset:       "BTC",
		Network:     "bitcoin",
		Amount:      50_000_000, // 0.5 BTC
		Title:       "monthly withdrawal",
	}
}

func orgReq(approvers ...string) *domain.CreateWithdrawalRequest {
	req := individualReq()
	req.SourceType = domain.SourceOrganization
	req.SourceRef = "org-1"
	req.ApproverIDs = approvers
	return req
}

func (h *harness) get(t *testing.T, id string) *domain.WithdrawalRequest {
	t.Helper()
	w, err := h.withdrawalUC.Get(context.Background(), id)
	require.NoError(t, err)
	return w
}

// backdateWindow moves a stored deadline into the past, simulating elapsed
// wall-clock time.
func (h *harness) backdateWindow(id string, by time.Duration) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	past := time.Now().Add(-by)
	h.store.withdrawals[id].WindowDeadline = &past
}

func TestCreateIndividualEntersWaitWindow(t *testing.T) {
	h := newHarness(t)

	w, err := h.withdrawalUC.Create(context.Background(), individualReq())
	require.NoError(t, err)

	assert.Equal(t, domain.StateAwaitingWindow, w.State)
	require.NotNil(t, w.WindowDeadline)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *w.WindowDeadline, time.Minute)
}

func TestCreateOrganizationEntersApproval(t *testing.T) {
	h := newHarness(t)

	w, err := h.withdrawalUC.Create(context.Background(), orgReq("alice", "bob", "carol"))
	require.NoError(t, err)

	assert.Equal(t, domain.StateAwaitingApproval, w.State)

	chain, err := h.withdrawalUC.approvalUC.GetChain(context.Background(), w.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	for i, a := range chain {
		assert.Equal(t, i, a.Position)
		assert.Equal(t, domain.DecisionPending, a.Decision)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := individualReq()
	bad.Amount = 0
	_, err := h.withdrawalUC.Create(ctx, bad)
	assert.ErrorIs(t, err, xerrors.ErrInvalidAmount)

	bad = individualReq()
	bad.ApproverIDs = []string{"alice"}
	_, err = h.withdrawalUC.Create(ctx, bad)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	_, err = h.withdrawalUC.Create(ctx, orgReq())
	assert.ErrorIs(t, err, xerrors.ErrEmptyApproverList)

	_, err = h.withdrawalUC.Create(ctx, orgReq("alice", "alice"))
	assert.ErrorIs(t, err, xerrors.ErrDuplicateApprover)

	h.registry.entry = &client.AddressEntry{Whitelisted: false}
	_, err = h.withdrawalUC.Create(ctx, individualReq())
	assert.ErrorIs(t, err, xerrors.ErrAddressNotWhitelisted)

	h.registry.entry = &client.AddressEntry{Whitelisted: true, CanWithdraw: false}
	_, err = h.withdrawalUC.Create(ctx, individualReq())
	assert.ErrorIs(t, err, xerrors.ErrAddressWithdrawBlocked)
}

func TestCreateIdempotency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key := "retry-key-1"
	req := individualReq()
	req.IdempotencyKey = &key

	first, err := h.withdrawalUC.Create(ctx, req)
	require.NoError(t, err)

	again, err := h.withdrawalUC.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	different := individualReq()
	different.IdempotencyKey = &key
	different.Amount = 999
	_, err = h.withdrawalUC.Create(ctx, different)
	assert.ErrorIs(t, err, xerrors.ErrIdempotencyConflict)
}

func TestApprovalOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, orgReq("alice", "bob", "carol"))
	require.NoError(t, err)

	// Bob cannot move before Alice.
	_, err = h.withdrawalUC.SubmitApproval(ctx, w.ID, "bob")
	assert.ErrorIs(t, err, xerrors.ErrOutOfOrder)

	_, err = h.withdrawalUC.SubmitApproval(ctx, w.ID, "alice")
	require.NoError(t, err)

	// Repeat decision is refused.
	_, err = h.withdrawalUC.SubmitApproval(ctx, w.ID, "alice")
	assert.ErrorIs(t, err, xerrors.ErrAlreadyDecided)

	_, err = h.withdrawalUC.SubmitApproval(ctx, w.ID, "bob")
	require.NoError(t, err)

	// The final approval completes the chain; screening passes and sourcing
	// runs straight through to broadcast.
	_, err = h.withdrawalUC.SubmitApproval(ctx, w.ID, "carol")
	require.NoError(t, err)

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateConfirming, got.State)
	require.NotNil(t, got.TxRef)
}

func TestApprovalRejectionTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, orgReq("alice", "bob", "carol"))
	require.NoError(t, err)

	// Any position may veto at any time, regardless of ordering.
	_, err = h.withdrawalUC.SubmitRejection(ctx, w.ID, "carol", "amount looks wrong")
	require.NoError(t, err)

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateRejected, got.State)
	require.NotNil(t, got.FailureCode)
	assert.Equal(t, xerrors.CodePolicy, *got.FailureCode)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "amount looks wrong", *got.FailureReason)

	// No further approvals after termination.
	_, err = h.withdrawalUC.SubmitApproval(ctx, w.ID, "alice")
	assert.ErrorIs(t, err, xerrors.ErrInvalidTransition)
}

func TestCancelInsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)

	require.NoError(t, h.withdrawalUC.Cancel(ctx, w.ID, "user-1", "changed my mind"))
	assert.Equal(t, domain.StateStopped, h.get(t, w.ID).State)
}

func TestCancelAfterDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)

	h.backdateWindow(w.ID, time.Hour)

	err = h.withdrawalUC.Cancel(ctx, w.ID, "user-1", "too late")
	assert.ErrorIs(t, err, xerrors.ErrWindowClosed)

	// Once the sweeper advanced the request, cancellation stays closed.
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))
	err = h.withdrawalUC.Cancel(ctx, w.ID, "user-1", "still trying")
	assert.ErrorIs(t, err, xerrors.ErrWindowClosed)
}

func TestCancelOrganizationRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, orgReq("alice"))
	require.NoError(t, err)

	// The wait-window cancel path is individual-only.
	err = h.withdrawalUC.Cancel(ctx, w.ID, "user-1", "nope")
	assert.ErrorIs(t, err, xerrors.ErrNotCancellable)
}

func TestAdvanceWindowIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)

	// Not yet due: no movement.
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))
	assert.Equal(t, domain.StateAwaitingWindow, h.get(t, w.ID).State)

	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	// Screening passed, so the request moved on; a second sweep finding the
	// advanced request is a no-op.
	state := h.get(t, w.ID).State
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))
	assert.Equal(t, state, h.get(t, w.ID).State)
}

func TestScreeningBlacklistRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scorer.assessment = &RiskAssessment{
		AmountScore: 10, AddressScore: 100, VelocityScore: 10, PatternScore: 10,
		BlacklistMatch: true,
	}

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateRejected, got.State)
	require.NotNil(t, got.FailureCode)
	assert.Equal(t, xerrors.CodeCompliance, *got.FailureCode)
}

func TestScreeningFlaggedHoldsForDisposition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// All components at 80 puts the weighted total over the flag threshold
	// without tripping a hard watchlist match.
	h.scorer.assessment = &RiskAssessment{
		AmountScore: 80, AddressScore: 80, VelocityScore: 80, PatternScore: 80,
	}

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	// Held, not terminated.
	assert.Equal(t, domain.StateComplianceReview, h.get(t, w.ID).State)

	check, err := h.screeningUC.GetLatest(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFlagged, check.Verdict)
	assert.True(t, check.ManualReview)

	// Officer releases it; processing resumes through to broadcast.
	require.NoError(t, h.withdrawalUC.ManualDisposition(ctx, w.ID, "officer-1", true, "documents verified"))
	assert.Equal(t, domain.StateConfirming, h.get(t, w.ID).State)
}

func TestRescreeningRecordsEveryPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scorer.assessment = &RiskAssessment{
		AmountScore: 80, AddressScore: 80, VelocityScore: 80, PatternScore: 80,
	}

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))
	require.Equal(t, domain.StateComplianceReview, h.get(t, w.ID).State)

	// A flagged request may be screened again; each pass appends a fresh
	// check with the same verdict rather than mutating the first.
	second, err := h.withdrawalUC.RunScreening(ctx, w.ID, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFlagged, second.Verdict)

	checks, err := h.screeningUC.History(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, checks[0].Verdict, checks[1].Verdict)
	assert.NotEqual(t, checks[0].ID, checks[1].ID)
}

func TestManualDispositionReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scorer.assessment = &RiskAssessment{
		AmountScore: 80, AddressScore: 80, VelocityScore: 80, PatternScore: 80,
	}

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	require.NoError(t, h.withdrawalUC.ManualDisposition(ctx, w.ID, "officer-1", false, "source of funds unclear"))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateRejected, got.State)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "source of funds unclear", *got.FailureReason)
}

func TestTravelRuleViolationForcesReturn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 65,000,000 minor units at rate 30 converts to 1,950,000,000 KRW,
	// far over the 1,000,000 KRW reporting threshold.
	h.rates.rate = 30

	req := individualReq()
	req.Amount = 65_000_000
	w, err := h.withdrawalUC.Create(ctx, req)
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	// No originator identification: flagged with a forced return, even
	// though the risk score alone is low.
	assert.Equal(t, domain.StateComplianceReview, h.get(t, w.ID).State)

	check, err := h.screeningUC.GetLatest(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFlagged, check.Verdict)
	assert.True(t, check.RequiresReturn)
	assert.Equal(t, domain.CheckViolation, check.TravelRuleCheck)
}

func TestTravelRuleWithOriginatorPasses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.rates.rate = 30

	originator := `{"name":"Hong Gildong","account":"110-234-567890"}`
	req := individualReq()
	req.Amount = 65_000_000
	req.OriginatorInfo = &originator

	w, err := h.withdrawalUC.Create(ctx, req)
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	assert.Equal(t, domain.StateConfirming, h.get(t, w.ID).State)
}

func TestSourcingShortfallQueuesRebalancing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 15 BTC against a 10 BTC hot wallet.
	req := individualReq()
	req.Amount = 1_500_000_000

	w, err := h.withdrawalUC.Create(ctx, req)
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateSourcing, got.State)
	require.NotNil(t, got.RebalancingID)

	rec, err := h.sourcingUC.GetRebalancing(ctx, *got.RebalancingID)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionColdToHot, rec.Direction)
	assert.Equal(t, int64(500_000_000), rec.Amount) // exactly the shortfall

	// Treasury completes the move; sourcing resumes and reserves.
	h.vaults.completeRebalancing(rec.ID)
	require.NoError(t, h.withdrawalUC.RunSourcing(ctx, w.ID, domain.ActorTreasury))

	got = h.get(t, w.ID)
	assert.Equal(t, domain.StateConfirming, got.State)

	v, err := h.vaults.Get(ctx, "BTC", "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000_000), v.Reserved)
}

func TestSourcingExceedsCustodyFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 200 BTC against 100 BTC total custody.
	req := individualReq()
	req.Amount = 20_000_000_000

	w, err := h.withdrawalUC.Create(ctx, req)
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	require.NotNil(t, got.FailureCode)
	assert.Equal(t, xerrors.CodeResource, *got.FailureCode)
}

func TestBroadcastRefusalReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.broadcast.submitFn = func(req *client.SubmitRequest) (*client.SubmitResult, error) {
		return &client.SubmitResult{Accepted: false, Reason: "fee estimate too low for current mempool"}, nil
	}

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	require.NotNil(t, got.FailureCode)
	assert.Equal(t, xerrors.CodeExternal, *got.FailureCode)
	// The service's reason comes through verbatim.
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "fee estimate too low for current mempool", *got.FailureReason)

	v, err := h.vaults.Get(ctx, "BTC", "bitcoin")
	require.NoError(t, err)
	assert.Zero(t, v.Reserved)
}

func TestConfirmationSuccessFinalizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))
	require.Equal(t, domain.StateConfirming, h.get(t, w.ID).State)

	// Below the required depth: no movement.
	h.broadcast.confirmationsFn = func(txRef string) (*client.ConfirmationStatus, error) {
		return &client.ConfirmationStatus{TxRef: txRef, Confirmations: 2}, nil
	}
	require.NoError(t, h.withdrawalUC.PollConfirmations(ctx, w.ID))
	assert.Equal(t, domain.StateConfirming, h.get(t, w.ID).State)

	h.broadcast.confirmationsFn = func(txRef string) (*client.ConfirmationStatus, error) {
		return &client.ConfirmationStatus{TxRef: txRef, Confirmations: 3}, nil
	}
	require.NoError(t, h.withdrawalUC.PollConfirmations(ctx, w.ID))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateSucceeded, got.State)
	require.NotNil(t, got.CompletedAt)

	// Finalized: funds left the hot wallet, reservation cleared.
	v, err := h.vaults.Get(ctx, "BTC", "bitcoin")
	require.NoError(t, err)
	assert.Zero(t, v.Reserved)
	assert.Equal(t, int64(1_000_000_000-50_000_000), v.HotBalance)
}

func TestConfirmationDroppedFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	h.broadcast.confirmationsFn = func(txRef string) (*client.ConfirmationStatus, error) {
		return &client.ConfirmationStatus{TxRef: txRef, Dropped: true, Reason: "replaced by higher-fee transaction"}, nil
	}
	require.NoError(t, h.withdrawalUC.PollConfirmations(ctx, w.ID))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "replaced by higher-fee transaction", *got.FailureReason)

	v, err := h.vaults.Get(ctx, "BTC", "bitcoin")
	require.NoError(t, err)
	assert.Zero(t, v.Reserved)
}

func TestReapplyAndArchiveAreMutuallyExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, orgReq("alice"))
	require.NoError(t, err)
	_, err = h.withdrawalUC.SubmitRejection(ctx, w.ID, "alice", "wrong destination")
	require.NoError(t, err)

	fresh, err := h.withdrawalUC.Reapply(ctx, w.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraft, fresh.State)
	assert.Equal(t, 1, fresh.ReapplyCount)
	require.NotNil(t, fresh.ReappliedFrom)
	assert.Equal(t, w.ID, *fresh.ReappliedFrom)

	assert.Equal(t, domain.StateReapplied, h.get(t, w.ID).State)

	// The original is disposed; archiving it now is refused.
	err = h.withdrawalUC.Archive(ctx, w.ID, "user-1")
	assert.ErrorIs(t, err, xerrors.ErrAlreadyDisposed)

	// The re-applied draft re-enters the lifecycle with its chain intact.
	resubmitted, err := h.withdrawalUC.SubmitDraft(ctx, fresh.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingApproval, resubmitted.State)

	chain, err := h.withdrawalUC.approvalUC.GetChain(ctx, fresh.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "alice", chain[0].ApproverID)
}

func TestArchiveBlocksReapply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, orgReq("alice"))
	require.NoError(t, err)
	_, err = h.withdrawalUC.SubmitRejection(ctx, w.ID, "alice", "duplicate request")
	require.NoError(t, err)

	require.NoError(t, h.withdrawalUC.Archive(ctx, w.ID, "user-1"))

	_, err = h.withdrawalUC.Reapply(ctx, w.ID, "user-1")
	assert.ErrorIs(t, err, xerrors.ErrAlreadyDisposed)
}

func TestReapplyRequiresRejectedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)

	_, err = h.withdrawalUC.Reapply(ctx, w.ID, "user-1")
	assert.ErrorIs(t, err, xerrors.ErrNotRejected)
}

// stickInSourcingReserved drives a request into sourcing with funds reserved
// but the broadcast hand-off never reached, as when the process dies right
// after the reservation commits.
func stickInSourcingReserved(t *testing.T, h *harness) *domain.WithdrawalRequest {
	t.Helper()
	ctx := context.Background()

	// 15 BTC against a 10 BTC hot wallet parks the request on a rebalancing.
	req := individualReq()
	req.Amount = 1_500_000_000
	w, err := h.withdrawalUC.Create(ctx, req)
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	got := h.get(t, w.ID)
	require.Equal(t, domain.StateSourcing, got.State)
	require.NotNil(t, got.RebalancingID)
	h.vaults.completeRebalancing(*got.RebalancingID)

	// The reservation commits, then every attempt at the hand-off transition
	// hits a transient failure until the retry budget runs out.
	dbDown := errors.New("connection reset by peer")
	h.store.mu.Lock()
	h.store.transitionErrs = []error{dbDown, dbDown, dbDown, dbDown}
	h.store.mu.Unlock()
	require.Error(t, h.withdrawalUC.RunSourcing(ctx, w.ID, domain.ActorTreasury))

	got = h.get(t, w.ID)
	require.Equal(t, domain.StateSourcing, got.State)
	require.True(t, got.FundsReserved)
	v, err := h.vaults.Get(ctx, "BTC", "bitcoin")
	require.NoError(t, err)
	require.Equal(t, int64(1_500_000_000), v.Reserved)
	return got
}

func TestSourcingResumesFromDurableReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w := stickInSourcingReserved(t, h)

	// The next pass resumes from the recorded reservation instead of taking
	// the funds a second time.
	require.NoError(t, h.withdrawalUC.RunSourcing(ctx, w.ID, domain.ActorTreasury))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateConfirming, got.State)

	v, err := h.vaults.Get(ctx, "BTC", "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000_000), v.Reserved)
}

func TestAdminStopReleasesHeldReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w := stickInSourcingReserved(t, h)

	require.NoError(t, h.withdrawalUC.AdminStop(ctx, w.ID, "admin-1", "customer dispute"))

	got := h.get(t, w.ID)
	assert.Equal(t, domain.StateStopped, got.State)
	assert.False(t, got.FundsReserved)

	v, err := h.vaults.Get(ctx, "BTC", "bitcoin")
	require.NoError(t, err)
	assert.Zero(t, v.Reserved)
}

func TestScorerOutageLeavesReviewRecoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scorer.err = errors.New("risk service unavailable")

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))

	// The window advanced, but the scoring failure left no check behind.
	assert.Equal(t, domain.StateComplianceReview, h.get(t, w.ID).State)
	_, err = h.screeningUC.GetLatest(ctx, w.ID)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	err = h.withdrawalUC.ManualDisposition(ctx, w.ID, "officer-1", true, "no check yet")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	// Once the scorer is back, the re-screen pass picks the request up and
	// carries it through.
	h.scorer.err = nil
	require.NoError(t, h.withdrawalUC.ScreenPending(ctx, w.ID, domain.ActorSweeper))
	assert.Equal(t, domain.StateConfirming, h.get(t, w.ID).State)
}

func TestScreenPendingLeavesFlaggedAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scorer.assessment = &RiskAssessment{
		AmountScore: 80, AddressScore: 80, VelocityScore: 80, PatternScore: 80,
	}

	w, err := h.withdrawalUC.Create(ctx, individualReq())
	require.NoError(t, err)
	h.backdateWindow(w.ID, time.Minute)
	require.NoError(t, h.withdrawalUC.AdvanceWindow(ctx, w.ID))
	require.Equal(t, domain.StateComplianceReview, h.get(t, w.ID).State)

	// A flagged request already holds its check and waits on an officer; the
	// re-screen pass must not append another pass behind their back.
	require.NoError(t, h.withdrawalUC.ScreenPending(ctx, w.ID, domain.ActorSweeper))

	checks, err := h.screeningUC.History(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, checks, 1)
	assert.Equal(t, domain.StateComplianceReview, h.get(t, w.ID).State)
}

func TestAdminStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.withdrawalUC.Create(ctx, orgReq("alice", "bob"))
	require.NoError(t, err)

	require.NoError(t, h.withdrawalUC.AdminStop(ctx, w.ID, "admin-1", "fraud alert from partner exchange"))
	assert.Equal(t, domain.StateStopped, h.get(t, w.ID).State)

	// Terminal states cannot be stopped again.
	err = h.withdrawalUC.AdminStop(ctx, w.ID, "admin-1", "again")
	assert.ErrorIs(t, err, xerrors.ErrNotCancellable)
}
