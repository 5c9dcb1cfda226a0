package progress

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptforge/backend/pkg/models"
)

func TestMemoryTracker_AbsentIsNotAnError(t *testing.T) {
	tracker := NewMemoryTracker(10, time.Minute)

	_, found, err := tracker.Get(context.Background(), "never-registered")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryTracker_LastWriteWins(t *testing.T) {
	tracker := NewMemoryTracker(10, time.Minute)
	ctx := context.Background()

	require.NoError(t, tracker.Set(ctx, models.ProgressRecord{SessionID: "s1", Stage: models.StageResearch, Progress: 20}))
	require.NoError(t, tracker.Set(ctx, models.ProgressRecord{SessionID: "s1", Stage: models.StageGenerating, Progress: 50}))

	rec, found, err := tracker.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StageGenerating, rec.Stage)
	assert.Equal(t, 50, rec.Progress)
	assert.False(t, rec.UpdatedAt.IsZero())
	assert.Equal(t, 1, tracker.Len())
}

func TestMemoryTracker_CapacityEvictsOldest(t *testing.T) {
	tracker := NewMemoryTracker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tracker.Set(ctx, models.ProgressRecord{SessionID: fmt.Sprintf("s%d", i)}))
	}

	assert.Equal(t, 3, tracker.Len())
	_, found, _ := tracker.Get(ctx, "s0")
	assert.False(t, found)
	_, found, _ = tracker.Get(ctx, "s4")
	assert.True(t, found)
}

func TestMemoryTracker_RetentionExpires(t *testing.T) {
	tracker := NewMemoryTracker(10, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, tracker.Set(ctx, models.ProgressRecord{SessionID: "s1", Stage: models.StageCompleted, Progress: 100}))

	_, found, _ := tracker.Get(ctx, "s1")
	assert.True(t, found, "terminal record is visible to the next poll")

	assert.Eventually(t, func() bool {
		_, found, _ := tracker.Get(ctx, "s1")
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryTracker_CanceledContext(t *testing.T) {
	tracker := NewMemoryTracker(0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, tracker.Set(ctx, models.ProgressRecord{SessionID: "s1"}))
	_, _, err := tracker.Get(ctx, "s1")
	assert.Error(t, err)
}
