package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatflow/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSnapshot(runID string) types.RunSnapshot {
	return types.RunSnapshot{
		RunID: runID,
		Phase: types.PhaseCompleted,
		Plan: &types.ResponsePlan{
			ID:        runID,
			TriggerID: "trigger-1",
			Order:     []string{"amber", "kai", "mori"},
			Total:     3,
		},
		Slots: []types.SlotView{
			{Index: 0, AgentID: "amber", Status: types.SlotCompleted},
			{Index: 1, AgentID: "kai", Status: types.SlotFailed},
			{Index: 2, AgentID: "mori", Status: types.SlotSkipped},
		},
		Completed: []types.Response{
			{AgentID: "amber", Text: "hello there", Duration: 1200 * time.Millisecond},
		},
		Errors: []types.SlotError{
			{AgentID: "kai", Reason: "backend exploded"},
		},
		StartedAt: time.Now().Add(-5 * time.Second),
		Elapsed:   5 * time.Second,
	}
}

func TestStore_ArchiveAndReadBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ArchiveRun(ctx, sampleSnapshot("run-1")))

	runs, err := store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, "trigger-1", runs[0].TriggerID)
	assert.Equal(t, string(types.PhaseCompleted), runs[0].Phase)
	assert.Equal(t, 3, runs[0].Responders)
	assert.Equal(t, 1, runs[0].Completed)
	assert.Equal(t, 1, runs[0].Errored)
	assert.Equal(t, 1, runs[0].Skipped)
	assert.Equal(t, int64(5000), runs[0].DurationMS)

	slots, err := store.SlotsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, "amber", slots[0].AgentID)
	assert.Equal(t, "hello there", slots[0].Response)
	assert.Equal(t, int64(1200), slots[0].DurationMS)
	assert.Equal(t, "backend exploded", slots[1].ErrorReason)
	assert.Equal(t, string(types.SlotSkipped), slots[2].Status)
}

// 同一 RunID 重复归档是幂等的
func TestStore_ArchiveIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("run-1")
	require.NoError(t, store.ArchiveRun(ctx, snap))
	require.NoError(t, store.ArchiveRun(ctx, snap))

	runs, err := store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	slots, err := store.SlotsForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, slots, 3)
}

func TestStore_ArchiveEmptySnapshotIsNoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ArchiveRun(ctx, types.RunSnapshot{}))
	runs, err := store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStore_RecentRunsOrderAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, store.ArchiveRun(ctx, sampleSnapshot(id)))
	}

	runs, err := store.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].RunID, "most recent first")
	assert.Equal(t, "run-2", runs[1].RunID)
}
