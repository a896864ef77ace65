package threading

import (
	"testing"
	"time"

	"github.com/hookline/hookline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKeyStableAcrossLifecycle(t *testing.T) {
	m := NewManager(Options{})
	now := time.Now()

	opened := &types.Event{ID: "e1", Kind: types.KindPROpened, SubjectKey: "repo#12"}
	merged := &types.Event{ID: "e2", Kind: types.KindPRMerged, SubjectKey: "repo#12"}

	key1 := m.ThreadKeyFor(opened, "#eng", now)
	key2 := m.ThreadKeyFor(merged, "#eng", now.Add(time.Hour))
	assert.Equal(t, key1, key2)

	// The same subject on a different channel gets its own thread
	key3 := m.ThreadKeyFor(opened, "#ops", now)
	assert.NotEqual(t, key1, key3)
}

func TestSimilarityGroupsKeylessEvents(t *testing.T) {
	m := NewManager(Options{})
	now := time.Now()

	a := &types.Event{ID: "e1", Kind: types.KindAlert, SimilarityHash: 0xFFFF000000000000}
	b := &types.Event{ID: "e2", Kind: types.KindDeployment, SimilarityHash: 0xFFFF000000000001}

	key1 := m.ThreadKeyFor(a, "#alerts", now)
	key2 := m.ThreadKeyFor(b, "#alerts", now.Add(10*time.Minute))
	assert.Equal(t, key1, key2)
}

func TestSimilarityWindowExpires(t *testing.T) {
	m := NewManager(Options{SimilarityWindow: 30 * time.Minute})
	now := time.Now()

	a := &types.Event{ID: "e1", Kind: types.KindAlert, SimilarityHash: 0xFFFF000000000000}
	b := &types.Event{ID: "e2", Kind: types.KindDeployment, SimilarityHash: 0xFFFF000000000000}

	key1 := m.ThreadKeyFor(a, "#alerts", now)
	key2 := m.ThreadKeyFor(b, "#alerts", now.Add(31*time.Minute))
	assert.NotEqual(t, key1, key2)
}

func TestTemporalProximityFallback(t *testing.T) {
	m := NewManager(Options{})
	now := time.Now()

	a := &types.Event{ID: "e1", Kind: types.KindAlert}
	b := &types.Event{ID: "e2", Kind: types.KindAlert}
	c := &types.Event{ID: "e3", Kind: types.KindDeployment}

	key1 := m.ThreadKeyFor(a, "#alerts", now)
	key2 := m.ThreadKeyFor(b, "#alerts", now.Add(2*time.Minute))
	key3 := m.ThreadKeyFor(c, "#alerts", now.Add(2*time.Minute))

	assert.Equal(t, key1, key2, "same kind within the window shares a thread")
	assert.NotEqual(t, key1, key3, "different kind starts a new thread")
}

func TestThreadsExpireAfterIdle(t *testing.T) {
	m := NewManager(Options{IdleTTL: 24 * time.Hour})
	now := time.Now()

	e := &types.Event{ID: "e1", Kind: types.KindIssueUpdated, SubjectKey: "ENG-1"}
	key1 := m.ThreadKeyFor(e, "#eng", now)
	key2 := m.ThreadKeyFor(e, "#eng", now.Add(25*time.Hour))
	assert.NotEqual(t, key1, key2, "expired threads are evicted; a new thread starts")
}

func TestBindAndLookup(t *testing.T) {
	m := NewManager(Options{})
	now := time.Now()

	e := &types.Event{ID: "e1", Kind: types.KindIssueUpdated, SubjectKey: "ENG-1"}
	key := m.ThreadKeyFor(e, "#eng", now)

	_, ok := m.MessageID(key)
	require.False(t, ok)

	m.Bind(key, "1712345.6789")
	id, ok := m.MessageID(key)
	require.True(t, ok)
	assert.Equal(t, "1712345.6789", id)

	// First binding wins
	m.Bind(key, "other")
	id, _ = m.MessageID(key)
	assert.Equal(t, "1712345.6789", id)
}
