package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"custody-service/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// WithdrawalEvent is the state-change notification consumed by downstream
// services (UI push, email, webhooks). Delivery is fire-and-forget: a publish
// failure is logged and never blocks or rolls back engine state.
type WithdrawalEvent struct {
	EventType   string       `json:"event_type"` // withdrawal.state_changed, rebalancing.completed, vault.deviation_alert
	RequestID   string       `json:"request_id,omitempty"`
	RequestedBy string       `json:"requested_by,omitempty"`
	FromState   domain.State `json:"from_state,omitempty"`
	ToState     domain.State `json:"to_state,omitempty"`
	Asset       string       `json:"asset,omitempty"`
	Network     string       `json:"network,omitempty"`
	Amount      int64        `json:"amount,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type EventPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

func NewEventPublisher(brokers []string, topic string, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

// Publish writes the event; errors are logged, never returned, so callers
// cannot accidentally couple engine progress to broker health.
func (p *EventPublisher) Publish(ctx context.Context, event *WithdrawalEvent) {
	event.Timestamp = time.Now()

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("event_type", event.EventType), zap.Error(err))
		return
	}

	key := event.RequestID
	if key == "" {
		key = event.EventType
	}

	p.mu.Lock()
	if p.writer == nil {
		p.mu.Unlock()
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("event_type", event.EventType),
			zap.String("request_id", event.RequestID),
			zap.Error(err))
		return
	}

	p.logger.Debug("published event",
		zap.String("event_type", event.EventType),
		zap.String("request_id", event.RequestID))
}

func (p *EventPublisher) PublishStateChanged(ctx context.Context, w *domain.WithdrawalRequest, from domain.State, reason string) {
	p.Publish(ctx, &WithdrawalEvent{
		EventType:   "withdrawal.state_changed",
		RequestID:   w.ID,
		RequestedBy: w.RequestedBy,
		FromState:   from,
		ToState:     w.State,
		Asset:       w.Asset,
		Network:     w.Network,
		Amount:      w.Amount,
		Reason:      reason,
	})
}

func (p *EventPublisher) PublishRebalancingCompleted(ctx context.Context, rec *domain.RebalancingRecord) {
	p.Publish(ctx, &WithdrawalEvent{
		EventType: "rebalancing.completed",
		RequestID: rec.ID,
		Asset:     rec.Asset,
		Network:   rec.Network,
		Amount:    rec.Amount,
		Reason:    rec.Reason,
	})
}

func (p *EventPublisher) PublishDeviationAlert(ctx context.Context, snap *domain.VaultSnapshot) {
	p.Publish(ctx, &WithdrawalEvent{
		EventType: "vault.deviation_alert",
		Asset:     snap.Asset,
		Network:   snap.Network,
		Reason:    fmt.Sprintf("hot ratio %s%% deviates from target %s%%", snap.HotRatioPct, snap.TargetHotPct),
		Metadata: map[string]interface{}{
			"deviation_pct": snap.DeviationPct,
		},
	})
}

func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer != nil {
		err := p.writer.Close()
		p.writer = nil
		return err
	}
	return nil
}
