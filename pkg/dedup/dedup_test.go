package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hookline/hookline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id, subject, hash string) *types.Event {
	return &types.Event{
		ID:          id,
		Source:      types.SourceTracker,
		Kind:        types.KindIssueUpdated,
		SubjectKey:  subject,
		ContentHash: hash,
	}
}

func TestObserveNewThenDuplicate(t *testing.T) {
	s := NewStore(Options{DefaultTTL: time.Hour}, nil)
	now := time.Now()

	first := s.Observe(event("e1", "ENG-1", "h1"), now)
	assert.Equal(t, ResultNew, first.Result)
	assert.Equal(t, 1, first.Count)

	second := s.Observe(event("e2", "ENG-1", "h1"), now.Add(40*time.Second))
	assert.Equal(t, ResultDuplicate, second.Result)
	assert.Equal(t, 2, second.Count)
	assert.Equal(t, now, second.PreviousSeenAt)
}

func TestObserveExpiresAfterTTL(t *testing.T) {
	s := NewStore(Options{DefaultTTL: time.Minute}, nil)
	now := time.Now()

	assert.Equal(t, ResultNew, s.Observe(event("e1", "ENG-1", "h1"), now).Result)
	assert.Equal(t, ResultDuplicate, s.Observe(event("e2", "ENG-1", "h1"), now.Add(59*time.Second)).Result)
	// Past TTL the entry reports new again
	assert.Equal(t, ResultNew, s.Observe(event("e3", "ENG-1", "h1"), now.Add(2*time.Minute)).Result)
}

func TestPerKindTTL(t *testing.T) {
	s := NewStore(Options{
		DefaultTTL: time.Hour,
		KindTTLs:   map[types.Kind]time.Duration{types.KindIssueComment: time.Minute},
	}, nil)
	now := time.Now()

	comment := event("e1", "ENG-1", "h1")
	comment.Kind = types.KindIssueComment
	s.Observe(comment, now)

	later := event("e2", "ENG-1", "h1")
	later.Kind = types.KindIssueComment
	assert.Equal(t, ResultNew, s.Observe(later, now.Add(5*time.Minute)).Result)
}

func TestSupersededOnContentChange(t *testing.T) {
	s := NewStore(Options{DefaultTTL: time.Hour}, nil)
	now := time.Now()

	assert.Equal(t, ResultNew, s.Observe(event("e1", "ENG-1", "h1"), now).Result)
	// Same subject, different content: delivered, prior entry superseded
	obs := s.Observe(event("e2", "ENG-1", "h2"), now.Add(time.Second))
	assert.Equal(t, ResultSuperseded, obs.Result)
	// The old content hash still dedups inside its TTL
	assert.Equal(t, ResultDuplicate, s.Observe(event("e3", "ENG-1", "h1"), now.Add(2*time.Second)).Result)
}

func TestHashCollisionAcrossSubjectsIsDistinct(t *testing.T) {
	s := NewStore(Options{DefaultTTL: time.Hour}, nil)
	now := time.Now()

	assert.Equal(t, ResultNew, s.Observe(event("e1", "ENG-1", "h1"), now).Result)
	// Same raw hash but a different subject is a different logical key
	other := event("e2", "OPS-9", "h1")
	obs := s.Observe(other, now)
	assert.NotEqual(t, ResultDuplicate, obs.Result)
}

func TestLRUEvictionReportsNew(t *testing.T) {
	// One entry per stripe forces immediate eviction pressure
	s := NewStore(Options{DefaultTTL: time.Hour, MaxEntries: stripeCount}, nil)
	now := time.Now()

	// Insert far more keys than capacity
	for i := 0; i < stripeCount*4; i++ {
		s.Observe(event(fmt.Sprintf("e%d", i), fmt.Sprintf("K-%d", i), fmt.Sprintf("h%d", i)), now)
	}
	assert.LessOrEqual(t, s.Len(), stripeCount)

	// An evicted hash must report new, never a stale duplicate
	obs := s.Observe(event("again", "K-0", "h0"), now.Add(time.Second))
	if obs.Result == ResultDuplicate {
		// Only acceptable if the entry genuinely survived eviction
		assert.Equal(t, 2, obs.Count)
	}
}

func TestConcurrentObserveSingleWinner(t *testing.T) {
	s := NewStore(Options{DefaultTTL: time.Hour}, nil)
	now := time.Now()

	const goroutines = 32
	results := make([]Result, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = s.Observe(event(fmt.Sprintf("e%d", n), "ENG-1", "h1"), now).Result
		}(i)
	}
	wg.Wait()

	news := 0
	for _, r := range results {
		if r == ResultNew {
			news++
		}
	}
	assert.Equal(t, 1, news, "exactly one observer wins the insert")
}

func TestNearDuplicateIndex(t *testing.T) {
	s := NewStore(Options{DefaultTTL: time.Hour}, nil)
	now := time.Now()

	e := event("e1", "ENG-1", "h1")
	e.SimilarityHash = 0xF0F0F0F0F0F0F0F0
	s.Observe(e, now)

	require.True(t, s.NearDuplicate(0xF0F0F0F0F0F0F0F1, 4, now))
	assert.False(t, s.NearDuplicate(0x0F0F0F0F0F0F0F0F, 4, now))
}
