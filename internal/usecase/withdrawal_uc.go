package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-service/internal/client"
	"custody-service/internal/config"
	"custody-service/internal/domain"
	publisher "custody-service/internal/pub"
	"custody-service/internal/repository"
	"custody-service/internal/xerrors"
	"custody-service/pkg/utils"

	"go.uber.org/zap"
)

// WithdrawalUsecase is the lifecycle orchestrator. It owns every state
// transition: validation and routing at submission, hand-offs between the
// approval, wait-window, screening, sourcing and broadcast phases, and the
// terminal dispositions. All mutation goes through the ledger's
// transition-plus-audit transaction; the version CAS makes racing actors
// (a user cancelling against the sweeper, two pollers on one request)
// resolve to exactly one winner.
type WithdrawalUsecase struct {
	withdrawalRepo repository.WithdrawalRepository
	ledgerRepo     repository.LedgerRepository
	approvalUC     *ApprovalUsecase
	screeningUC    *ScreeningUsecase
	sourcingUC     *SourcingUsecase
	broadcastUC    *BroadcastUsecase
	registry       client.AddressRegistry
	directory      client.Directory
	tracker        *StatusTracker
	publisher      *publisher.EventPublisher
	cfg            config.AppConfig
	logger         *zap.Logger
}

func NewWithdrawalUsecase(
	withdrawalRepo repository.WithdrawalRepository,
	ledgerRepo repository.LedgerRepository,
	approvalUC *ApprovalUsecase,
	screeningUC *ScreeningUsecase,
	sourcingUC *SourcingUsecase,
	broadcastUC *BroadcastUsecase,
	registry client.AddressRegistry,
	directory client.Directory,
	tracker *StatusTracker,
	pub *publisher.EventPublisher,
	cfg config.AppConfig,
	logger *zap.Logger,
) *WithdrawalUsecase {
	return &WithdrawalUsecase{
		withdrawalRepo: withdrawalRepo,
		ledgerRepo:     ledgerRepo,
		approvalUC:     approvalUC,
		screeningUC:    screeningUC,
		sourcingUC:     sourcingUC,
		broadcastUC:    broadcastUC,
		registry:       registry,
		directory:      directory,
		tracker:        tracker,
		publisher:      pub,
		cfg:            cfg,
		logger:         logger,
	}
}

// transition applies one state-machine edge: optimistic-concurrency update
// plus exactly one audit entry, atomically. A same-state call persists field
// changes (a sourcing hold recording its rebalancing reference) without
// consuming an edge.
func (uc *WithdrawalUsecase) transition(ctx context.Context, w *domain.WithdrawalRequest, to domain.State, actor, reason string, mutate func(*domain.WithdrawalRequest)) error {
	if to != w.State && !domain.CanTransition(w.State, to) {
		return fmt.Errorf("%s -> %s for %s: %w", w.State, to, w.ID, xerrors.ErrInvalidTransition)
	}

	from := w.State
	before := mustJSON(w)

	if mutate != nil {
		mutate(w)
	}
	w.State = to
	if to.IsTerminal() && w.CompletedAt == nil {
		now := time.Now()
		w.CompletedAt = &now
	}

	entry := &domain.AuditEntry{
		Actor:        actor,
		Action:       "withdrawal." + string(to),
		ResourceType: "withdrawal",
		ResourceID:   w.ID,
		Before:       before,
		After:        mustJSON(w),
		Result:       reason,
	}

	err := retryTransient(ctx, func() error {
		return uc.ledgerRepo.Transition(ctx, w, entry)
	})
	if err != nil {
		return err
	}

	failure := ""
	if w.FailureReason != nil {
		failure = *w.FailureReason
	}
	uc.tracker.Update(w.ID, to, failure)
	if from != to {
		uc.publisher.PublishStateChanged(ctx, w, from, reason)
	}

	uc.logger.Info("withdrawal transitioned",
		zap.String("request_id", w.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
	return nil
}

func (uc *WithdrawalUsecase) fail(ctx context.Context, w *domain.WithdrawalRequest, actor, code, reason string) error {
	return uc.transition(ctx, w, domain.StateFailed, actor, reason, func(w *domain.WithdrawalRequest) {
		w.FailureCode = &code
		w.FailureReason = &reason
		w.FundsReserved = false
	})
}

// Create validates a new request, persists it, and routes it into the
// approval or wait-window path. A repeat call with the same idempotency key
// and the same parameters returns the original request.
func (uc *WithdrawalUsecase) Create(ctx context.Context, req *domain.CreateWithdrawalRequest) (*domain.WithdrawalRequest, error) {
	if req.IdempotencyKey != nil {
		existing, err := uc.withdrawalRepo.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err == nil {
			if !sameCreate(existing, req) {
				return nil, xerrors.ErrIdempotencyConflict
			}
			return existing, nil
		}
		if !errors.Is(err, xerrors.ErrNotFound) {
			return nil, err
		}
	}

	now := time.Now()
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}

	w := &domain.WithdrawalRequest{
		ID:             utils.GenerateID(utils.PrefixWithdrawal),
		IdempotencyKey: req.IdempotencyKey,
		RequestedBy:    req.RequestedBy,
		SourceType:     req.SourceType,
		SourceRef:      req.SourceRef,
		Destination:    req.Destination,
		Asset:          req.Asset,
		Network:        req.Network,
		Amount:         req.Amount,
		Title:          req.Title,
		Description:    req.Description,
		Priority:       priority,
		OriginatorInfo: req.OriginatorInfo,
		State:          domain.StateDraft,
		Version:        1,
		CreatedAt:      now,
		StateEnteredAt: now,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := uc.validateDestination(ctx, w); err != nil {
		return nil, err
	}

	approverIDs, err := uc.validateApprovers(ctx, w, req.ApproverIDs)
	if err != nil {
		return nil, err
	}

	entry := &domain.AuditEntry{
		Actor:        req.RequestedBy,
		Action:       "withdrawal.created",
		ResourceType: "withdrawal",
		ResourceID:   w.ID,
		After:        mustJSON(w),
		Result:       "created",
	}
	err = retryTransient(ctx, func() error {
		return uc.ledgerRepo.CreateWithdrawal(ctx, w, approverIDs, entry)
	})
	if err != nil {
		// A concurrent create with the same key slipped in between the
		// lookup and the insert.
		if errors.Is(err, xerrors.ErrIdempotencyConflict) && req.IdempotencyKey != nil {
			if existing, getErr := uc.withdrawalRepo.GetByIdempotencyKey(ctx, *req.IdempotencyKey); getErr == nil && sameCreate(existing, req) {
				return existing, nil
			}
		}
		return nil, err
	}

	uc.tracker.Track(w.ID, domain.StateDraft)

	if err := uc.submitRoute(ctx, w, req.RequestedBy); err != nil {
		return nil, err
	}
	return w, nil
}

// SubmitDraft routes a draft (typically a re-application) into the lifecycle.
// Destination and approver eligibility are re-validated: allow-lists may have
// changed since the original request.
func (uc *WithdrawalUsecase) SubmitDraft(ctx context.Context, requestID, actor string) (*domain.WithdrawalRequest, error) {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if w.State != domain.StateDraft {
		return nil, fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrInvalidTransition)
	}
	if err := uc.validateDestination(ctx, w); err != nil {
		return nil, err
	}
	if w.SourceType == domain.SourceOrganization {
		chain, err := uc.approvalUC.GetChain(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(chain))
		for _, a := range chain {
			ids = append(ids, a.ApproverID)
		}
		if _, err := uc.validateApprovers(ctx, w, ids); err != nil {
			return nil, err
		}
	}
	if err := uc.submitRoute(ctx, w, actor); err != nil {
		return nil, err
	}
	return w, nil
}

func (uc *WithdrawalUsecase) submitRoute(ctx context.Context, w *domain.WithdrawalRequest, actor string) error {
	if err := uc.transition(ctx, w, domain.StateSubmitted, actor, "validation passed", nil); err != nil {
		return err
	}

	if w.SourceType == domain.SourceOrganization {
		return uc.transition(ctx, w, domain.StateAwaitingApproval, actor, "approval chain registered", nil)
	}

	deadline := time.Now().Add(uc.cfg.WaitWindow)
	reason := fmt.Sprintf("anti-fraud wait window until %s", deadline.UTC().Format(time.RFC3339))
	return uc.transition(ctx, w, domain.StateAwaitingWindow, actor, reason, func(w *domain.WithdrawalRequest) {
		w.WindowDeadline = &deadline
	})
}

func (uc *WithdrawalUsecase) validateDestination(ctx context.Context, w *domain.WithdrawalRequest) error {
	var entry *client.AddressEntry
	err := retryTransient(ctx, func() error {
		var err error
		entry, err = uc.registry.IsWhitelisted(ctx, w.SourceRef, w.Asset, w.Destination)
		return err
	})
	if err != nil {
		return fmt.Errorf("address registry lookup: %w", err)
	}
	if !entry.Whitelisted {
		return xerrors.ErrAddressNotWhitelisted
	}
	if !entry.CanWithdraw {
		return xerrors.ErrAddressWithdrawBlocked
	}
	return nil
}

func (uc *WithdrawalUsecase) validateApprovers(ctx context.Context, w *domain.WithdrawalRequest, approverIDs []string) ([]string, error) {
	if w.SourceType == domain.SourceIndividual {
		if len(approverIDs) > 0 {
			return nil, fmt.Errorf("individual withdrawals carry no approver chain: %w", xerrors.ErrInvalidInput)
		}
		return nil, nil
	}

	if err := domain.ValidateApproverChain(approverIDs); err != nil {
		return nil, err
	}

	var infos []client.ApproverInfo
	err := retryTransient(ctx, func() error {
		var err error
		infos, err = uc.directory.ResolveApprovers(ctx, w.SourceRef, approverIDs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("approver directory lookup: %w", err)
	}
	eligible := make(map[string]bool, len(infos))
	for _, info := range infos {
		eligible[info.ID] = info.Eligible
	}
	for _, id := range approverIDs {
		if !eligible[id] {
			return nil, fmt.Errorf("approver %s is not eligible: %w", id, xerrors.ErrInvalidInput)
		}
	}
	return approverIDs, nil
}

// SubmitApproval records one approval and, when it completes the chain,
// advances the request into compliance review and screens it.
func (uc *WithdrawalUsecase) SubmitApproval(ctx context.Context, requestID, approverID string) (*domain.Approval, error) {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if w.State != domain.StateAwaitingApproval {
		return nil, fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrInvalidTransition)
	}

	approval, complete, err := uc.approvalUC.SubmitApproval(ctx, requestID, approverID)
	if err != nil {
		return nil, err
	}
	if !complete {
		return approval, nil
	}

	if err := uc.transition(ctx, w, domain.StateComplianceReview, approverID, "all approvals collected", nil); err != nil {
		if errors.Is(err, xerrors.ErrVersionConflict) {
			// A racing actor (admin stop, a duplicate final approval)
			// advanced the request first; the approval itself stands.
			return approval, nil
		}
		return nil, err
	}

	if _, err := uc.RunScreening(ctx, requestID, domain.ActorSystem); err != nil {
		uc.logger.Error("screening after final approval failed",
			zap.String("request_id", requestID), zap.Error(err))
	}
	return approval, nil
}

// SubmitRejection records a veto and terminates the request.
func (uc *WithdrawalUsecase) SubmitRejection(ctx context.Context, requestID, approverID, reason string) (*domain.Approval, error) {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if w.State != domain.StateAwaitingApproval {
		return nil, fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrInvalidTransition)
	}

	approval, err := uc.approvalUC.SubmitRejection(ctx, requestID, approverID, reason)
	if err != nil {
		return nil, err
	}

	code := xerrors.CodePolicy
	err = uc.transition(ctx, w, domain.StateRejected, approverID, reason, func(w *domain.WithdrawalRequest) {
		w.FailureCode = &code
		w.FailureReason = &reason
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}

// Cancel stops an individual withdrawal while its anti-fraud wait window is
// still open. After the deadline, or once processing has begun, the attempt
// fails with WindowClosed.
func (uc *WithdrawalUsecase) Cancel(ctx context.Context, requestID, userID, reason string) error {
	for attempt := 0; attempt < 2; attempt++ {
		w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
		if err != nil {
			return err
		}

		if w.State != domain.StateAwaitingWindow {
			if w.SourceType == domain.SourceIndividual && inFlight(w.State) {
				return xerrors.ErrWindowClosed
			}
			return xerrors.ErrNotCancellable
		}
		if w.WindowDeadline != nil && !time.Now().Before(*w.WindowDeadline) {
			return xerrors.ErrWindowClosed
		}

		err = uc.transition(ctx, w, domain.StateStopped, userID, reason, nil)
		if errors.Is(err, xerrors.ErrVersionConflict) {
			// Lost the race, likely to the window sweeper. Re-read and
			// re-evaluate against the fresh state.
			continue
		}
		return err
	}
	return xerrors.ErrWindowClosed
}

// AdminStop halts a request from any stoppable phase.
func (uc *WithdrawalUsecase) AdminStop(ctx context.Context, requestID, adminID, reason string) error {
	for attempt := 0; attempt < 2; attempt++ {
		w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(w.State, domain.StateStopped) {
			return fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrNotCancellable)
		}

		reserved := w.FundsReserved
		err = uc.transition(ctx, w, domain.StateStopped, adminID, reason, func(w *domain.WithdrawalRequest) {
			w.FundsReserved = false
		})
		if errors.Is(err, xerrors.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if reserved {
			relErr := retryTransient(ctx, func() error {
				return uc.sourcingUC.Release(ctx, w.Asset, w.Network, w.Amount, false)
			})
			if relErr != nil {
				uc.logger.Error("releasing reservation after stop failed, balances need reconciliation",
					zap.String("request_id", w.ID), zap.Error(relErr))
			}
		}
		return nil
	}
	return xerrors.ErrVersionConflict
}

// AdvanceWindow moves one overdue individual request into compliance review.
// Called by the window sweeper; the version CAS guarantees exactly one
// advancement even with concurrent sweeps, and a conflict means someone else
// already acted, which is success from the sweeper's point of view.
func (uc *WithdrawalUsecase) AdvanceWindow(ctx context.Context, requestID string) error {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if w.State != domain.StateAwaitingWindow {
		return nil
	}
	if w.WindowDeadline == nil || time.Now().Before(*w.WindowDeadline) {
		return nil
	}

	err = uc.transition(ctx, w, domain.StateComplianceReview, domain.ActorSweeper, "anti-fraud wait window elapsed", nil)
	if errors.Is(err, xerrors.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := uc.RunScreening(ctx, requestID, domain.ActorSystem); err != nil {
		uc.logger.Error("screening after wait window failed",
			zap.String("request_id", requestID), zap.Error(err))
	}
	return nil
}

// RunScreening screens a request in compliance review and disposes of it per
// the verdict. An approved verdict advances to sourcing; rejected terminates;
// flagged holds the request for manual disposition.
func (uc *WithdrawalUsecase) RunScreening(ctx context.Context, requestID, actor string) (*domain.ComplianceCheck, error) {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if w.State != domain.StateComplianceReview {
		return nil, fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrInvalidTransition)
	}

	check, err := uc.screeningUC.Screen(ctx, w, actor)
	if err != nil {
		return nil, err
	}

	switch check.Verdict {
	case domain.VerdictApproved:
		reason := fmt.Sprintf("screening passed with risk score %d", check.RiskScore)
		if err := uc.transition(ctx, w, domain.StateSourcing, actor, reason, nil); err != nil {
			return check, err
		}
		if err := uc.RunSourcing(ctx, requestID, domain.ActorSystem); err != nil {
			uc.logger.Error("sourcing after screening failed",
				zap.String("request_id", requestID), zap.Error(err))
		}

	case domain.VerdictRejected:
		reason := "compliance screening rejected"
		if check.Notes != nil {
			reason = fmt.Sprintf("%s: %s", reason, *check.Notes)
		}
		code := xerrors.CodeCompliance
		if err := uc.transition(ctx, w, domain.StateRejected, actor, reason, func(w *domain.WithdrawalRequest) {
			w.FailureCode = &code
			w.FailureReason = &reason
		}); err != nil {
			return check, err
		}

	case domain.VerdictFlagged:
		uc.logger.Warn("withdrawal flagged for manual review",
			zap.String("request_id", requestID),
			zap.Int("risk_score", check.RiskScore),
			zap.Bool("requires_return", check.RequiresReturn))
	}

	return check, nil
}

// ManualDisposition resolves a flagged request: a compliance officer either
// releases it into sourcing or rejects it. When the flag carried a forced
// return, rejection also signals that funds must be routed back.
func (uc *WithdrawalUsecase) ManualDisposition(ctx context.Context, requestID, adminID string, approve bool, reason string) error {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if w.State != domain.StateComplianceReview {
		return fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrInvalidTransition)
	}

	check, err := uc.screeningUC.GetLatest(ctx, requestID)
	if err != nil {
		return err
	}
	if check == nil || !check.ManualReview {
		return xerrors.ErrNotFlagged
	}

	if approve {
		if err := uc.transition(ctx, w, domain.StateSourcing, adminID, reason, nil); err != nil {
			return err
		}
		if err := uc.RunSourcing(ctx, requestID, domain.ActorSystem); err != nil {
			uc.logger.Error("sourcing after manual release failed",
				zap.String("request_id", requestID), zap.Error(err))
		}
		return nil
	}

	code := xerrors.CodeCompliance
	err = uc.transition(ctx, w, domain.StateRejected, adminID, reason, func(w *domain.WithdrawalRequest) {
		w.FailureCode = &code
		w.FailureReason = &reason
	})
	if err != nil {
		return err
	}
	if check.RequiresReturn {
		uc.logger.Warn("rejected withdrawal requires fund return to originator",
			zap.String("request_id", requestID))
	}
	return nil
}

// ScreenPending re-dispatches screening for a request sitting in compliance
// review with no recorded check, which happens when the scorer was unavailable
// on the first attempt. Requests holding a check are waiting on manual
// disposition and are left alone.
func (uc *WithdrawalUsecase) ScreenPending(ctx context.Context, requestID, actor string) error {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if w.State != domain.StateComplianceReview {
		return nil
	}

	_, err = uc.screeningUC.GetLatest(ctx, requestID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return err
	}

	_, err = uc.RunScreening(ctx, requestID, actor)
	return err
}

// RunSourcing tries to fund a request from the hot wallet. A shortfall queues
// a cold-to-hot rebalancing and holds the request in sourcing; the rebalance
// worker calls back in once the move completes. The reservation is recorded
// on the request row in the same transaction that takes the funds, so a pass
// interrupted between reserving and the broadcast hand-off resumes from the
// flag instead of reserving again.
func (uc *WithdrawalUsecase) RunSourcing(ctx context.Context, requestID, actor string) error {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if w.State != domain.StateSourcing {
		return fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrInvalidTransition)
	}

	if w.FundsReserved {
		// A previous pass reserved and stopped short of the hand-off.
		err := uc.transition(ctx, w, domain.StateBroadcasting, actor, "hot wallet funds reserved", nil)
		if errors.Is(err, xerrors.ErrVersionConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		return uc.RunBroadcast(ctx, requestID, domain.ActorSystem)
	}

	if w.RebalancingID != nil {
		rec, err := uc.sourcingUC.GetRebalancing(ctx, *w.RebalancingID)
		if err != nil {
			return err
		}
		if rec.Status != domain.RebalanceCompleted {
			return nil // still waiting on the treasury move
		}
	}

	err = uc.reserveFunds(ctx, w, actor)
	if err == nil {
		if err := uc.transition(ctx, w, domain.StateBroadcasting, actor, "hot wallet funds reserved", nil); err != nil {
			return err
		}
		return uc.RunBroadcast(ctx, requestID, domain.ActorSystem)
	}
	if errors.Is(err, xerrors.ErrVaultNotConfigured) {
		return uc.fail(ctx, w, actor, xerrors.CodeResource, err.Error())
	}
	if !errors.Is(err, xerrors.ErrInsufficientHotBalance) {
		return err
	}

	rec, err := uc.sourcingUC.RebalanceForShortfall(ctx, w)
	if err != nil {
		if errors.Is(err, xerrors.ErrExceedsCustodyBalance) {
			return uc.fail(ctx, w, actor, xerrors.CodeResource, err.Error())
		}
		if errors.Is(err, xerrors.ErrInsufficientHotBalance) {
			return nil // balance moved under us; the next pass retries
		}
		return err
	}

	reason := fmt.Sprintf("awaiting cold-to-hot rebalancing %s", rec.ID)
	return uc.transition(ctx, w, domain.StateSourcing, actor, reason, func(w *domain.WithdrawalRequest) {
		w.RebalancingID = &rec.ID
	})
}

// reserveFunds takes the amount from the hot wallet and sets FundsReserved on
// the request row in one transaction.
func (uc *WithdrawalUsecase) reserveFunds(ctx context.Context, w *domain.WithdrawalRequest, actor string) error {
	before := mustJSON(w)
	w.FundsReserved = true

	entry := &domain.AuditEntry{
		Actor:        actor,
		Action:       "withdrawal.funds_reserved",
		ResourceType: "withdrawal",
		ResourceID:   w.ID,
		Before:       before,
		After:        mustJSON(w),
		Result:       "hot wallet funds reserved",
	}
	err := retryTransient(ctx, func() error {
		return uc.ledgerRepo.ReserveFunds(ctx, w, entry)
	})
	if err != nil {
		w.FundsReserved = false
		return err
	}
	return nil
}

// RunBroadcast submits a funded request to the broadcast service. Definitive
// refusals fail the request with the service's reason verbatim and release
// the reservation; transient submit errors leave the request for the poller
// to retry until the broadcast timeout.
func (uc *WithdrawalUsecase) RunBroadcast(ctx context.Context, requestID, actor string) error {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if w.State != domain.StateBroadcasting {
		return fmt.Errorf("%s is %s: %w", w.ID, w.State, xerrors.ErrInvalidTransition)
	}

	if w.TxRef != nil {
		// Submitted before a crash; pick up from confirmation tracking.
		return uc.transition(ctx, w, domain.StateConfirming, actor, "broadcast already submitted", nil)
	}

	result, err := uc.broadcastUC.Submit(ctx, w)
	if err != nil {
		if uc.broadcastUC.TimedOut(w, time.Now()) {
			if relErr := uc.sourcingUC.Release(ctx, w.Asset, w.Network, w.Amount, false); relErr != nil {
				uc.logger.Error("reservation release failed", zap.String("request_id", w.ID), zap.Error(relErr))
			}
			reason := fmt.Sprintf("broadcast not accepted within %s", uc.cfg.BroadcastTimeout)
			return uc.fail(ctx, w, actor, xerrors.CodeExternal, reason)
		}
		return err
	}

	if !result.Accepted {
		if relErr := uc.sourcingUC.Release(ctx, w.Asset, w.Network, w.Amount, false); relErr != nil {
			uc.logger.Error("reservation release failed", zap.String("request_id", w.ID), zap.Error(relErr))
		}
		return uc.fail(ctx, w, actor, xerrors.CodeExternal, result.Reason)
	}

	txRef := result.TxRef
	return uc.transition(ctx, w, domain.StateConfirming, actor, "accepted by broadcast service", func(w *domain.WithdrawalRequest) {
		w.TxRef = &txRef
	})
}

// PollConfirmations checks chain depth for one confirming request. Reaching
// the per-asset requirement finalizes the reservation and succeeds the
// withdrawal; a dropped transaction fails it and frees the reserved funds.
func (uc *WithdrawalUsecase) PollConfirmations(ctx context.Context, requestID string) error {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if w.State != domain.StateConfirming {
		return nil
	}
	if w.TxRef == nil {
		return fmt.Errorf("confirming withdrawal %s has no tx ref", w.ID)
	}

	status, err := uc.broadcastUC.Confirmations(ctx, *w.TxRef)
	if err != nil {
		return err
	}

	if status.Dropped {
		if relErr := uc.sourcingUC.Release(ctx, w.Asset, w.Network, w.Amount, false); relErr != nil {
			uc.logger.Error("reservation release failed", zap.String("request_id", w.ID), zap.Error(relErr))
		}
		reason := status.Reason
		if reason == "" {
			reason = "transaction dropped from the network"
		}
		return uc.fail(ctx, w, domain.ActorPoller, xerrors.CodeExternal, reason)
	}

	required := uc.broadcastUC.Required(w.Asset)
	if status.Confirmations < required {
		return nil
	}

	reason := fmt.Sprintf("%d confirmations reached (required %d)", status.Confirmations, required)
	if err := uc.transition(ctx, w, domain.StateSucceeded, domain.ActorPoller, reason, func(w *domain.WithdrawalRequest) {
		w.FundsReserved = false
	}); err != nil {
		if errors.Is(err, xerrors.ErrVersionConflict) {
			return nil
		}
		return err
	}

	// Finalize: the reserved funds have left the hot wallet for good.
	err = retryTransient(ctx, func() error {
		return uc.sourcingUC.Release(ctx, w.Asset, w.Network, w.Amount, true)
	})
	if err != nil {
		uc.logger.Error("finalizing reservation failed, balances need reconciliation",
			zap.String("request_id", w.ID), zap.Error(err))
	}
	return nil
}

// Reapply spawns a fresh draft pre-populated from a rejected request and
// marks the original re-applied. Re-application and archival are mutually
// exclusive; the version CAS arbitrates concurrent attempts.
func (uc *WithdrawalUsecase) Reapply(ctx context.Context, requestID, actor string) (*domain.WithdrawalRequest, error) {
	orig, err := uc.disposable(ctx, requestID)
	if err != nil {
		return nil, err
	}

	err = uc.transition(ctx, orig, domain.StateReapplied, actor, "re-application created", nil)
	if err != nil {
		if errors.Is(err, xerrors.ErrVersionConflict) {
			return nil, xerrors.ErrAlreadyDisposed
		}
		return nil, err
	}

	fresh := orig.Reapply(utils.GenerateID(utils.PrefixWithdrawal), time.Now())

	var approverIDs []string
	if fresh.SourceType == domain.SourceOrganization {
		chain, err := uc.approvalUC.GetChain(ctx, orig.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range chain {
			approverIDs = append(approverIDs, a.ApproverID)
		}
	}

	entry := &domain.AuditEntry{
		Actor:        actor,
		Action:       "withdrawal.created",
		ResourceType: "withdrawal",
		ResourceID:   fresh.ID,
		After:        mustJSON(fresh),
		Result:       fmt.Sprintf("re-applied from %s", orig.ID),
	}
	err = retryTransient(ctx, func() error {
		return uc.ledgerRepo.CreateWithdrawal(ctx, fresh, approverIDs, entry)
	})
	if err != nil {
		return nil, err
	}

	uc.tracker.Track(fresh.ID, domain.StateDraft)
	return fresh, nil
}

// Archive closes out a rejected request without a successor.
func (uc *WithdrawalUsecase) Archive(ctx context.Context, requestID, actor string) error {
	orig, err := uc.disposable(ctx, requestID)
	if err != nil {
		return err
	}
	err = uc.transition(ctx, orig, domain.StateArchived, actor, "archived", nil)
	if errors.Is(err, xerrors.ErrVersionConflict) {
		return xerrors.ErrAlreadyDisposed
	}
	return err
}

func (uc *WithdrawalUsecase) disposable(ctx context.Context, requestID string) (*domain.WithdrawalRequest, error) {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch w.State {
	case domain.StateRejected:
		return w, nil
	case domain.StateReapplied, domain.StateArchived:
		return nil, xerrors.ErrAlreadyDisposed
	default:
		return nil, xerrors.ErrNotRejected
	}
}

// WithdrawalDetail is the full read model: the request plus its approval
// chain, latest screening result, and any linked treasury move.
type WithdrawalDetail struct {
	Request     *domain.WithdrawalRequest `json:"request"`
	Approvals   []*domain.Approval        `json:"approvals,omitempty"`
	LatestCheck *domain.ComplianceCheck   `json:"latest_check,omitempty"`
	Rebalancing *domain.RebalancingRecord `json:"rebalancing,omitempty"`
}

func (uc *WithdrawalUsecase) GetDetail(ctx context.Context, requestID string) (*WithdrawalDetail, error) {
	w, err := uc.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	detail := &WithdrawalDetail{Request: w}

	if w.SourceType == domain.SourceOrganization {
		if chain, err := uc.approvalUC.GetChain(ctx, requestID); err == nil {
			detail.Approvals = chain
		}
	}
	if check, err := uc.screeningUC.GetLatest(ctx, requestID); err == nil {
		detail.LatestCheck = check
	}
	if w.RebalancingID != nil {
		if rec, err := uc.sourcingUC.GetRebalancing(ctx, *w.RebalancingID); err == nil {
			detail.Rebalancing = rec
		}
	}
	return detail, nil
}

func (uc *WithdrawalUsecase) Get(ctx context.Context, requestID string) (*domain.WithdrawalRequest, error) {
	return uc.withdrawalRepo.GetByID(ctx, requestID)
}

func (uc *WithdrawalUsecase) List(ctx context.Context, filter *domain.WithdrawalFilter) ([]*domain.WithdrawalRequest, int64, error) {
	return uc.withdrawalRepo.List(ctx, filter)
}

// Status returns the cached lifecycle projection, cheaper than a ledger read.
func (uc *WithdrawalUsecase) Status(requestID string) *WithdrawalStatus {
	return uc.tracker.GetFull(requestID)
}

// OverdueWindows lists individual requests whose wait window has elapsed,
// oldest deadline first. Used by the window sweeper.
func (uc *WithdrawalUsecase) OverdueWindows(ctx context.Context, limit int) ([]*domain.WithdrawalRequest, error) {
	return uc.withdrawalRepo.ListOverdueWindow(ctx, time.Now(), limit)
}

// InState lists requests parked in one lifecycle phase. Used by the
// confirmation poller and rebalance worker.
func (uc *WithdrawalUsecase) InState(ctx context.Context, state domain.State, limit int) ([]*domain.WithdrawalRequest, error) {
	return uc.withdrawalRepo.ListByState(ctx, state, limit)
}

func inFlight(s domain.State) bool {
	switch s {
	case domain.StateComplianceReview, domain.StateSourcing, domain.StateBroadcasting, domain.StateConfirming:
		return true
	}
	return false
}

func sameCreate(w *domain.WithdrawalRequest, req *domain.CreateWithdrawalRequest) bool {
	return w.RequestedBy == req.RequestedBy &&
		w.SourceType == req.SourceType &&
		w.SourceRef == req.SourceRef &&
		w.Destination == req.Destination &&
		w.Asset == req.Asset &&
		w.Network == req.Network &&
		w.Amount == req.Amount
}
