// Package dedup suppresses repeat deliveries of semantically identical
// events inside a rolling TTL window. The logical key is the tuple
// (source, subject_key, content_hash); a raw hash collision across
// different subjects is treated as two distinct events.
package dedup

import (
	"container/list"
	"hash/fnv"
	"math/bits"
	"strings"
	"sync"
	"time"

	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/storage"
	"github.com/hookline/hookline/pkg/types"
	"github.com/rs/zerolog"
)

const stripeCount = 64

// Result of one observe call
type Result string

const (
	ResultNew        Result = "new"
	ResultDuplicate  Result = "duplicate"
	ResultSuperseded Result = "superseded" // new content for a known subject
)

// Observation is the outcome of observing one event
type Observation struct {
	Result         Result
	PreviousSeenAt time.Time
	Count          int
}

// Options tunes the dedup store
type Options struct {
	DefaultTTL time.Duration
	KindTTLs   map[types.Kind]time.Duration
	MaxEntries int
}

func (o *Options) applyDefaults() {
	if o.DefaultTTL == 0 {
		o.DefaultTTL = time.Hour
	}
	if o.MaxEntries == 0 {
		o.MaxEntries = 100_000
	}
}

type cacheEntry struct {
	entry   *types.DedupEntry
	lruElem *list.Element
}

// stripe is one lock-striped shard of the index
type stripe struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry // logical key -> entry
	subject map[string]string      // source|subject -> logical key of latest content
	lru     *list.List             // front = most recent; values are logical keys
}

// Store is the in-memory dedup index with write-through persistence
type Store struct {
	opts     Options
	stripes  [stripeCount]*stripe
	persist  storage.Store
	logger   zerolog.Logger

	simMu    sync.Mutex
	simIndex map[uint16][]simEntry // top simhash bits -> recent hashes
}

type simEntry struct {
	simhash   uint64
	key       string
	expiresAt time.Time
}

// NewStore creates a dedup store. persist may be nil for a purely
// in-memory store (tests).
func NewStore(opts Options, persist storage.Store) *Store {
	opts.applyDefaults()
	s := &Store{
		opts:     opts,
		persist:  persist,
		logger:   log.WithComponent("dedup"),
		simIndex: make(map[uint16][]simEntry),
	}
	for i := range s.stripes {
		s.stripes[i] = &stripe{
			entries: make(map[string]*cacheEntry),
			subject: make(map[string]string),
			lru:     list.New(),
		}
	}
	return s
}

func logicalKey(source types.Source, subjectKey, contentHash string) string {
	return string(source) + "|" + subjectKey + "|" + contentHash
}

func subjectKey(source types.Source, subject string) string {
	return string(source) + "|" + subject
}

// stripeFor picks the stripe from the source|subject part of a logical key,
// so every content version of one subject shares a stripe and its subject
// index. Keys with an empty subject are striped by the whole key.
func (s *Store) stripeFor(key string) *stripe {
	if i := strings.LastIndex(key, "|"); i > 0 && key[i-1] != '|' {
		key = key[:i]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.stripes[h.Sum32()%stripeCount]
}

func (s *Store) ttlFor(kind types.Kind) time.Duration {
	if ttl, ok := s.opts.KindTTLs[kind]; ok {
		return ttl
	}
	return s.opts.DefaultTTL
}

// Observe records one event and reports whether it is new inside the TTL
// window. The compare-and-insert is atomic under the stripe lock: after
// Observe returns new, a concurrent Observe of the same key within TTL
// returns duplicate.
func (s *Store) Observe(event *types.Event, now time.Time) Observation {
	key := logicalKey(event.Source, event.SubjectKey, event.ContentHash)
	st := s.stripeFor(key)

	st.mu.Lock()
	defer st.mu.Unlock()

	s.sweepStripe(st, now)

	if ce, ok := st.entries[key]; ok {
		if ce.entry.ExpiresAt.After(now) {
			prev := ce.entry.LastSeenAt
			ce.entry.LastSeenAt = now
			ce.entry.Count++
			st.lru.MoveToFront(ce.lruElem)
			s.persistEntry(ce.entry)
			metrics.DedupHits.WithLabelValues(string(ResultDuplicate)).Inc()
			return Observation{Result: ResultDuplicate, PreviousSeenAt: prev, Count: ce.entry.Count}
		}
		// Expired in place: evicted entries report new
		s.removeLocked(st, key)
	}

	result := ResultNew
	if event.SubjectKey != "" {
		subKey := subjectKey(event.Source, event.SubjectKey)
		if prevKey, ok := st.subject[subKey]; ok && prevKey != key {
			// Same subject, different content: the prior entry is
			// superseded and the new event is delivered
			if prev, ok := st.entries[prevKey]; ok {
				prev.entry.Superseded = true
				s.persistEntry(prev.entry)
			}
			result = ResultSuperseded
		}
		st.subject[subKey] = key
	}

	entry := &types.DedupEntry{
		ContentHash:        event.ContentHash,
		Source:             event.Source,
		Kind:               event.Kind,
		SubjectKey:         event.SubjectKey,
		FirstSeenAt:        now,
		LastSeenAt:         now,
		Count:              1,
		OriginatingEventID: event.ID,
		ExpiresAt:          now.Add(s.ttlFor(event.Kind)),
	}
	ce := &cacheEntry{entry: entry}
	ce.lruElem = st.lru.PushFront(key)
	st.entries[key] = ce
	s.evictOverflowLocked(st)
	s.persistEntry(entry)
	s.indexSimilarity(event, key, entry.ExpiresAt)

	metrics.DedupHits.WithLabelValues(string(result)).Inc()
	return Observation{Result: result, Count: 1}
}

// sweepStripe drops expired entries lazily on every write
func (s *Store) sweepStripe(st *stripe, now time.Time) {
	for elem := st.lru.Back(); elem != nil; {
		key := elem.Value.(string)
		prev := elem.Prev()
		ce, ok := st.entries[key]
		if ok && !ce.entry.ExpiresAt.After(now) {
			s.removeLocked(st, key)
		}
		elem = prev
	}
}

// evictOverflowLocked enforces the LRU size bound within one stripe
func (s *Store) evictOverflowLocked(st *stripe) {
	maxPerStripe := s.opts.MaxEntries / stripeCount
	if maxPerStripe < 1 {
		maxPerStripe = 1
	}
	for len(st.entries) > maxPerStripe {
		oldest := st.lru.Back()
		if oldest == nil {
			return
		}
		s.removeLocked(st, oldest.Value.(string))
	}
}

func (s *Store) removeLocked(st *stripe, key string) {
	ce, ok := st.entries[key]
	if !ok {
		return
	}
	st.lru.Remove(ce.lruElem)
	delete(st.entries, key)
	if ce.entry.SubjectKey != "" {
		subKey := subjectKey(ce.entry.Source, ce.entry.SubjectKey)
		if st.subject[subKey] == key {
			delete(st.subject, subKey)
		}
	}
}

func (s *Store) persistEntry(entry *types.DedupEntry) {
	if s.persist == nil {
		return
	}
	if err := s.persist.PutDedup(entry); err != nil {
		s.logger.Error().Err(err).Str("content_hash", entry.ContentHash).Msg("Failed to persist dedup entry")
	}
}

// indexSimilarity records the event's simhash for near-duplicate queries
func (s *Store) indexSimilarity(event *types.Event, key string, expiresAt time.Time) {
	if event.SimilarityHash == 0 {
		return
	}
	bucket := uint16(event.SimilarityHash >> 48)
	s.simMu.Lock()
	defer s.simMu.Unlock()
	entries := s.simIndex[bucket][:0]
	for _, se := range s.simIndex[bucket] {
		if se.expiresAt.After(expiresAt.Add(-s.opts.DefaultTTL)) && se.key != key {
			entries = append(entries, se)
		}
	}
	entries = append(entries, simEntry{simhash: event.SimilarityHash, key: key, expiresAt: expiresAt})
	s.simIndex[bucket] = entries
}

// NearDuplicate reports whether a recent entry sits within maxDistance
// Hamming bits of the given similarity hash
func (s *Store) NearDuplicate(simhash uint64, maxDistance int, now time.Time) bool {
	if simhash == 0 {
		return false
	}
	bucket := uint16(simhash >> 48)
	s.simMu.Lock()
	defer s.simMu.Unlock()
	for _, se := range s.simIndex[bucket] {
		if !se.expiresAt.After(now) {
			continue
		}
		if hammingDistance(se.simhash, simhash) <= maxDistance {
			return true
		}
	}
	return false
}

func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Restore reloads unexpired persisted entries after a restart
func (s *Store) Restore(now time.Time) error {
	if s.persist == nil {
		return nil
	}
	entries, err := s.persist.ListDedup()
	if err != nil {
		return err
	}
	restored := 0
	for _, entry := range entries {
		if !entry.ExpiresAt.After(now) {
			continue
		}
		key := logicalKey(entry.Source, entry.SubjectKey, entry.ContentHash)
		st := s.stripeFor(key)
		st.mu.Lock()
		if _, ok := st.entries[key]; !ok {
			ce := &cacheEntry{entry: entry}
			ce.lruElem = st.lru.PushFront(key)
			st.entries[key] = ce
			if entry.SubjectKey != "" && !entry.Superseded {
				st.subject[subjectKey(entry.Source, entry.SubjectKey)] = key
			}
			restored++
		}
		st.mu.Unlock()
	}
	s.logger.Info().Int("entries", restored).Msg("Restored dedup window")
	return nil
}

// Len returns the number of live entries
func (s *Store) Len() int {
	total := 0
	for _, st := range s.stripes {
		st.mu.Lock()
		total += len(st.entries)
		st.mu.Unlock()
	}
	return total
}
