package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"custody-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WithdrawalStatus is the lightweight, UI-facing projection of a withdrawal's
// lifecycle position. It mirrors the ledger, never replaces it: the database
// row is authoritative and the tracker is a read-side cache.
type WithdrawalStatus struct {
	RequestID     string    `json:"request_id"`
	State         string    `json:"state"`
	FailureReason string    `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	StartedAt     time.Time `json:"started_at"`
}

// StatusTracker propagates state changes to Redis through a local cache and
// a batched pipeline writer, so high-churn lifecycles do not turn into one
// Redis round-trip per transition.
type StatusTracker struct {
	redisClient   *redis.Client
	localCache    map[string]*WithdrawalStatus
	mu            sync.RWMutex
	updateChan    chan *WithdrawalStatus
	stopChan      chan struct{}
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewStatusTracker(redisClient *redis.Client, flushInterval time.Duration, logger *zap.Logger) *StatusTracker {
	return &StatusTracker{
		redisClient:   redisClient,
		localCache:    make(map[string]*WithdrawalStatus),
		updateChan:    make(chan *WithdrawalStatus, 1000),
		stopChan:      make(chan struct{}),
		flushInterval: flushInterval,
		logger:        logger,
	}
}

func (t *StatusTracker) Start() {
	go t.worker()
	go t.cleaner()
}

func (t *StatusTracker) Stop() {
	close(t.stopChan)
	t.flushAll()
}

// Track starts tracking a newly created withdrawal.
func (t *StatusTracker) Track(requestID string, state domain.State) {
	t.mu.Lock()
	t.localCache[requestID] = &WithdrawalStatus{
		RequestID: requestID,
		State:     string(state),
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	snapshot := *t.localCache[requestID]
	t.mu.Unlock()

	select {
	case t.updateChan <- &snapshot:
	default:
		t.logger.Warn("status tracker channel full", zap.String("request_id", requestID))
	}
}

// Update records a state change for an already tracked withdrawal. Only a
// snapshot leaves the mutex; the cached entry keeps mutating under later
// transitions while the flush worker marshals its copy.
func (t *StatusTracker) Update(requestID string, state domain.State, failureReason string) {
	t.mu.Lock()
	cached, exists := t.localCache[requestID]
	if !exists {
		cached = &WithdrawalStatus{
			RequestID: requestID,
			StartedAt: time.Now(),
		}
		t.localCache[requestID] = cached
	}
	cached.State = string(state)
	cached.FailureReason = failureReason
	cached.UpdatedAt = time.Now()
	snapshot := *cached
	t.mu.Unlock()

	select {
	case t.updateChan <- &snapshot:
	default:
		// Channel full, write through directly.
		t.writeToRedis(requestID, &snapshot)
	}
}

// Get returns the cached state label, or "" when unknown.
func (t *StatusTracker) Get(requestID string) string {
	if s := t.GetFull(requestID); s != nil {
		return s.State
	}
	return ""
}

// GetFull returns the full cached projection, or nil when unknown.
func (t *StatusTracker) GetFull(requestID string) *WithdrawalStatus {
	t.mu.RLock()
	if status, exists := t.localCache[requestID]; exists {
		snapshot := *status
		t.mu.RUnlock()
		return &snapshot
	}
	t.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	val, err := t.redisClient.Get(ctx, statusKey(requestID)).Result()
	if err != nil {
		return nil
	}

	var status WithdrawalStatus
	if json.Unmarshal([]byte(val), &status) != nil {
		return nil
	}

	t.mu.Lock()
	t.localCache[requestID] = &status
	t.mu.Unlock()
	return &status
}

func (t *StatusTracker) worker() {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	batch := make(map[string]*WithdrawalStatus)

	for {
		select {
		case status := <-t.updateChan:
			batch[status.RequestID] = status
			if len(batch) >= 100 {
				t.flushBatch(batch)
				batch = make(map[string]*WithdrawalStatus)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				t.flushBatch(batch)
				batch = make(map[string]*WithdrawalStatus)
			}

		case <-t.stopChan:
			if len(batch) > 0 {
				t.flushBatch(batch)
			}
			return
		}
	}
}

func (t *StatusTracker) flushBatch(batch map[string]*WithdrawalStatus) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := t.redisClient.Pipeline()
	for requestID, status := range batch {
		data, err := json.Marshal(status)
		if err != nil {
			continue
		}
		pipe.Set(ctx, statusKey(requestID), data, 24*time.Hour)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Error("status tracker flush failed", zap.Int("batch", len(batch)), zap.Error(err))
	}
}

func (t *StatusTracker) writeToRedis(requestID string, status *WithdrawalStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	_ = t.redisClient.Set(ctx, statusKey(requestID), data, 24*time.Hour).Err()
}

func (t *StatusTracker) flushAll() {
	t.mu.RLock()
	batch := make(map[string]*WithdrawalStatus, len(t.localCache))
	for k, v := range t.localCache {
		snapshot := *v
		batch[k] = &snapshot
	}
	t.mu.RUnlock()

	t.flushBatch(batch)
}

func (t *StatusTracker) cleaner() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanOldEntries()
		case <-t.stopChan:
			return
		}
	}
}

func (t *StatusTracker) cleanOldEntries() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for requestID, status := range t.localCache {
		if status.UpdatedAt.Before(cutoff) {
			delete(t.localCache, requestID)
		}
	}
}

func statusKey(requestID string) string {
	return fmt.Sprintf("withdrawal:status:%s", requestID)
}
