package usecase

import (
	"context"
	"fmt"
	"time"

	"custody-service/internal/client"
	"custody-service/internal/domain"

	"go.uber.org/zap"
)

// BroadcastUsecase wraps the external signing/broadcast collaborator. It
// submits prepared transactions, tracks confirmation depth against the
// per-asset requirement, and detects dropped or timed-out broadcasts.
type BroadcastUsecase struct {
	svc                   client.BroadcastService
	requiredConfirmations map[string]int
	broadcastTimeout      time.Duration
	logger                *zap.Logger
}

func NewBroadcastUsecase(svc client.BroadcastService, requiredConfirmations map[string]int, broadcastTimeout time.Duration, logger *zap.Logger) *BroadcastUsecase {
	return &BroadcastUsecase{
		svc:                   svc,
		requiredConfirmations: requiredConfirmations,
		broadcastTimeout:      broadcastTimeout,
		logger:                logger,
	}
}

// Submit hands the withdrawal to the broadcast service. A nil error with
// Accepted=false means the service gave a definitive refusal; the reason is
// carried back verbatim.
func (uc *BroadcastUsecase) Submit(ctx context.Context, w *domain.WithdrawalRequest) (*client.SubmitResult, error) {
	var result *client.SubmitResult
	err := retryTransient(ctx, func() error {
		var err error
		result, err = uc.svc.Submit(ctx, &client.SubmitRequest{
			RequestID:   w.ID,
			Asset:       w.Asset,
			Network:     w.Network,
			Destination: w.Destination,
			Amount:      w.Amount,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("broadcast submit for %s: %w", w.ID, err)
	}

	uc.logger.Info("broadcast submitted",
		zap.String("request_id", w.ID),
		zap.Bool("accepted", result.Accepted),
		zap.String("tx_ref", result.TxRef))
	return result, nil
}

// Confirmations fetches the current chain depth for a broadcast transaction.
func (uc *BroadcastUsecase) Confirmations(ctx context.Context, txRef string) (*client.ConfirmationStatus, error) {
	var status *client.ConfirmationStatus
	err := retryTransient(ctx, func() error {
		var err error
		status, err = uc.svc.GetConfirmations(ctx, txRef)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("confirmation query for %s: %w", txRef, err)
	}
	return status, nil
}

// Required returns the confirmation depth the asset must reach before the
// withdrawal is considered final. Unknown assets fall back to the strictest
// configured depth.
func (uc *BroadcastUsecase) Required(asset string) int {
	if n, ok := uc.requiredConfirmations[asset]; ok {
		return n
	}
	max := 0
	for _, n := range uc.requiredConfirmations {
		if n > max {
			max = n
		}
	}
	return max
}

// TimedOut reports whether a withdrawal has sat in its current broadcast
// phase longer than the configured ceiling.
func (uc *BroadcastUsecase) TimedOut(w *domain.WithdrawalRequest, now time.Time) bool {
	return now.Sub(w.StateEnteredAt) > uc.broadcastTimeout
}
