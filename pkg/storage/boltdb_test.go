package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/hookline/hookline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertDedupIsInsertOrFetch(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	entry := &types.DedupEntry{
		ContentHash: "h1",
		Source:      types.SourceTracker,
		SubjectKey:  "ENG-1",
		FirstSeenAt: now,
		LastSeenAt:  now,
		Count:       1,
		ExpiresAt:   now.Add(time.Hour),
	}

	stored, inserted, err := store.InsertDedup(entry, now)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "h1", stored.ContentHash)

	// A second insert returns the existing entry
	dup := &types.DedupEntry{ContentHash: "h1", ExpiresAt: now.Add(time.Hour)}
	stored, inserted, err = store.InsertDedup(dup, now)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "ENG-1", stored.SubjectKey)

	// An expired entry is replaced
	later := now.Add(2 * time.Hour)
	replacement := &types.DedupEntry{ContentHash: "h1", SubjectKey: "ENG-2", ExpiresAt: later.Add(time.Hour)}
	stored, inserted, err = store.InsertDedup(replacement, later)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "ENG-2", stored.SubjectKey)
}

func TestDedupSweepAndPurge(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.PutDedup(&types.DedupEntry{
			ContentHash: fmt.Sprintf("h%d", i),
			Kind:        types.KindIssueComment,
			ExpiresAt:   now.Add(time.Duration(i-1) * time.Hour), // h0 and h1 (expiring exactly at now) count as expired
		}))
	}
	require.NoError(t, store.PutDedup(&types.DedupEntry{
		ContentHash: "pr",
		Kind:        types.KindPRComment,
		ExpiresAt:   now.Add(time.Hour),
	}))

	swept, err := store.SweepDedup(now)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	purged, err := store.PurgeDedup(types.KindIssueComment)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	remaining, err := store.ListDedup()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "pr", remaining[0].ContentHash)
}

func TestScheduledRangeScan(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.PutScheduled(&types.ScheduledDecision{
			ID:          fmt.Sprintf("s%d", i),
			Recipient:   "alice",
			ScheduledAt: base.Add(time.Duration(i) * time.Hour),
			CreatedAt:   base.Add(-time.Hour),
		}))
	}

	due, err := store.ListScheduledDue(base.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 3, "entries at +0h, +1h, +2h are due")

	require.NoError(t, store.DeleteScheduled("s0"))
	all, err := store.ListScheduled()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestExecutionTimeRangeAndFilters(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	var records []*types.ExecutionRecord
	for i := 0; i < 10; i++ {
		hook := "hook-a"
		team := "eng"
		if i%2 == 1 {
			hook = "hook-b"
			team = "ops"
		}
		records = append(records, &types.ExecutionRecord{
			ExecutionID: fmt.Sprintf("x%d", i),
			HookID:      hook,
			TeamID:      team,
			Status:      types.ExecutionSuccess,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, store.AppendExecutions(records))

	inRange, err := store.ListExecutionsByTime(base, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Len(t, inRange, 5)

	byHook, err := store.ListExecutionsByHook("hook-a", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, byHook, 5)

	byTeam, err := store.ListExecutionsByTeam("ops", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, byTeam, 5)

	found, err := store.GetExecution("x3")
	require.NoError(t, err)
	assert.Equal(t, "hook-b", found.HookID)

	deleted, err := store.DeleteExecutionsBefore(base.Add(5 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
}

func TestHourlyUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	hour := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	stats := &types.HourlyStats{HookID: "hook-a", Hour: hour, Total: 5, Successes: 4, Failures: 1}
	require.NoError(t, store.UpsertHourly(stats))
	require.NoError(t, store.UpsertHourly(stats))

	got, err := store.GetHourly("hook-a", hour)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Total)

	listed, err := store.ListHourly("hook-a", hour.Add(-time.Hour), hour.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestTeamSnapshotVersioning(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutTeamSnapshot("eng", 1, []byte(`{"v":1}`)))
	require.NoError(t, store.PutTeamSnapshot("eng", 2, []byte(`{"v":2}`)))
	require.NoError(t, store.SetActiveVersion("eng", 2))

	// Activating a missing version fails
	assert.Error(t, store.SetActiveVersion("eng", 9))

	active, err := store.GetActiveVersion("eng")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	versions, err := store.ListTeamVersions("eng")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	blob, err := store.GetTeamSnapshot("eng", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(blob))

	teams, err := store.ListTeamIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"eng"}, teams)
}

func TestAuditAppendAndList(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AppendAudit(&types.AuditRecord{
			TeamID:  "eng",
			Version: i,
			Action:  "update",
			Actor:   "tester",
			At:      now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.AppendAudit(&types.AuditRecord{TeamID: "ops", Version: 1, At: now}))

	records, err := store.ListAudit("eng")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestEventRetention(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.PutEvent(&types.Event{
			ID:         fmt.Sprintf("e%d", i),
			Source:     types.SourceTracker,
			Kind:       types.KindIssueUpdated,
			IngestedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	listed, err := store.ListEventsByTime(base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	deleted, err := store.DeleteEventsBefore(base.Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestDeadLetters(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.AppendDeadLetter(&types.ExecutionRecord{
		ExecutionID: "x1", StartedAt: now.Add(-48 * time.Hour), Status: types.ExecutionFailure,
	}))
	require.NoError(t, store.AppendDeadLetter(&types.ExecutionRecord{
		ExecutionID: "x2", StartedAt: now, Status: types.ExecutionFailure,
	}))

	letters, err := store.ListDeadLetters()
	require.NoError(t, err)
	assert.Len(t, letters, 2)

	deleted, err := store.DeleteDeadLettersBefore(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
