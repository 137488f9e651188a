package usecase

import (
	"testing"
	"time"

	"custody-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrackerGetFullReturnsSnapshot(t *testing.T) {
	tracker := NewStatusTracker(nil, time.Minute, zap.NewNop())

	tracker.Track("wd_1", domain.StateDraft)
	snapshot := tracker.GetFull("wd_1")
	require.NotNil(t, snapshot)
	assert.Equal(t, string(domain.StateDraft), snapshot.State)

	// A later transition must not mutate the projection a caller already
	// holds; the flush worker marshals outside the mutex and depends on this.
	tracker.Update("wd_1", domain.StateSourcing, "")
	assert.Equal(t, string(domain.StateDraft), snapshot.State)

	fresh := tracker.GetFull("wd_1")
	require.NotNil(t, fresh)
	assert.Equal(t, string(domain.StateSourcing), fresh.State)
}

func TestTrackerUpdateCreatesEntry(t *testing.T) {
	tracker := NewStatusTracker(nil, time.Minute, zap.NewNop())

	tracker.Update("wd_2", domain.StateFailed, "broadcast refused")

	got := tracker.GetFull("wd_2")
	require.NotNil(t, got)
	assert.Equal(t, string(domain.StateFailed), got.State)
	assert.Equal(t, "broadcast refused", got.FailureReason)
}
