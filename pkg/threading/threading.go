// Package threading binds related outbound notifications into one
// conversation thread per channel. Keys are derived by entity, then content
// similarity, then temporal proximity.
package threading

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/types"
)

// Options tunes thread derivation
type Options struct {
	IdleTTL             time.Duration // thread expiry after last activity
	SimilarityWindow    time.Duration // window for similarity matching
	SimilarityThreshold int           // max simhash Hamming distance
	TemporalWindow      time.Duration // window for same-kind proximity
}

func (o *Options) applyDefaults() {
	if o.IdleTTL == 0 {
		o.IdleTTL = 24 * time.Hour
	}
	if o.SimilarityWindow == 0 {
		o.SimilarityWindow = 30 * time.Minute
	}
	if o.SimilarityThreshold == 0 {
		o.SimilarityThreshold = 10
	}
	if o.TemporalWindow == 0 {
		o.TemporalWindow = 5 * time.Minute
	}
}

type thread struct {
	key        string
	channel    string
	subjectKey string
	kind       types.Kind
	simhash    uint64
	lastSeen   time.Time
	messageID  string
}

// Manager tracks live threads and their transport message bindings
type Manager struct {
	opts Options

	mu        sync.Mutex
	bySubject map[string]*thread   // channel|subject -> thread
	byKey     map[string]*thread   // thread key -> thread
	byChannel map[string][]*thread // channel -> live threads, oldest first
}

// NewManager creates a threading manager
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:      opts,
		bySubject: make(map[string]*thread),
		byKey:     make(map[string]*thread),
		byChannel: make(map[string][]*thread),
	}
}

// ThreadKeyFor returns the conversation key for an event on a channel,
// creating a new thread when nothing relevant is live. Strategy order:
// entity key, content similarity, temporal proximity.
func (m *Manager) ThreadKeyFor(event *types.Event, channel string, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(channel, now)

	// Entity-based: stable across the PR/issue lifecycle
	if event.SubjectKey != "" {
		subKey := channel + "|" + event.SubjectKey
		if t, ok := m.bySubject[subKey]; ok {
			t.lastSeen = now
			return t.key
		}
		t := m.newThreadLocked(event, channel, now)
		t.subjectKey = event.SubjectKey
		m.bySubject[subKey] = t
		return t.key
	}

	// Content similarity inside the similarity window
	if event.SimilarityHash != 0 {
		for _, t := range m.byChannel[channel] {
			if now.Sub(t.lastSeen) > m.opts.SimilarityWindow || t.simhash == 0 {
				continue
			}
			if bits.OnesCount64(t.simhash^event.SimilarityHash) <= m.opts.SimilarityThreshold {
				t.lastSeen = now
				return t.key
			}
		}
	}

	// Temporal proximity: same kind on the same channel shortly after
	for _, t := range m.byChannel[channel] {
		if t.kind == event.Kind && now.Sub(t.lastSeen) <= m.opts.TemporalWindow {
			t.lastSeen = now
			return t.key
		}
	}

	return m.newThreadLocked(event, channel, now).key
}

func (m *Manager) newThreadLocked(event *types.Event, channel string, now time.Time) *thread {
	t := &thread{
		key:      fmt.Sprintf("thr-%s", uuid.New().String()),
		channel:  channel,
		kind:     event.Kind,
		simhash:  event.SimilarityHash,
		lastSeen: now,
	}
	m.byKey[t.key] = t
	m.byChannel[channel] = append(m.byChannel[channel], t)
	return t
}

// Bind attaches the transport message id to a thread so later
// notifications land in the same conversation
func (m *Manager) Bind(threadKey, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byKey[threadKey]; ok {
		if t.messageID == "" {
			t.messageID = messageID
		}
	}
}

// MessageID returns the bound transport message id for a thread
func (m *Manager) MessageID(threadKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byKey[threadKey]
	if !ok || t.messageID == "" {
		return "", false
	}
	return t.messageID, true
}

// expireLocked evicts threads idle past the TTL; later events start new
// threads
func (m *Manager) expireLocked(channel string, now time.Time) {
	live := m.byChannel[channel][:0]
	for _, t := range m.byChannel[channel] {
		if now.Sub(t.lastSeen) > m.opts.IdleTTL {
			delete(m.byKey, t.key)
			if t.subjectKey != "" {
				delete(m.bySubject, channel+"|"+t.subjectKey)
			}
			continue
		}
		live = append(live, t)
	}
	m.byChannel[channel] = live
}

// Len returns the number of live threads
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}
