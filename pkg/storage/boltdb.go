package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hookline/hookline/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDedup       = []byte("dedup")
	bucketEvents      = []byte("events")
	bucketScheduled   = []byte("scheduled")
	bucketExecutions  = []byte("executions")
	bucketExecHourly  = []byte("exec_hourly")
	bucketTeamConfig  = []byte("team_config")
	bucketActiveVers  = []byte("team_config_active")
	bucketAudit       = []byte("audit")
	bucketDeadLetters = []byte("dead_letters")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hookline.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDedup,
			bucketEvents,
			bucketScheduled,
			bucketExecutions,
			bucketExecHourly,
			bucketTeamConfig,
			bucketActiveVers,
			bucketAudit,
			bucketDeadLetters,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// timeKey renders t so lexicographic key order matches time order
func timeKey(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000")
}

// compoundKey joins key parts with a separator that never appears in ids
func compoundKey(parts ...string) []byte {
	return []byte(strings.Join(parts, "|"))
}

// --- Dedup entries ---

func (s *BoltStore) InsertDedup(entry *types.DedupEntry, now time.Time) (*types.DedupEntry, bool, error) {
	var stored *types.DedupEntry
	var inserted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		key := []byte(entry.ContentHash)
		if data := b.Get(key); data != nil {
			var existing types.DedupEntry
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.ExpiresAt.After(now) {
				stored = &existing
				return nil
			}
			// Expired entry, replace it
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		stored = entry
		inserted = true
		return nil
	})
	return stored, inserted, err
}

func (s *BoltStore) PutDedup(entry *types.DedupEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ContentHash), data)
	})
}

func (s *BoltStore) GetDedup(contentHash string) (*types.DedupEntry, error) {
	var entry types.DedupEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		data := b.Get([]byte(contentHash))
		if data == nil {
			return fmt.Errorf("dedup entry not found: %s", contentHash)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListDedup() ([]*types.DedupEntry, error) {
	var out []*types.DedupEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		return b.ForEach(func(k, v []byte) error {
			var entry types.DedupEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, &entry)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteDedup(contentHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		return b.Delete([]byte(contentHash))
	})
}

func (s *BoltStore) SweepDedup(now time.Time) (int, error) {
	swept := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		c := b.Cursor()
		var expired [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.DedupEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if !entry.ExpiresAt.After(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	return swept, err
}

func (s *BoltStore) PurgeDedup(kind types.Kind) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		c := b.Cursor()
		var doomed [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.DedupEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if kind == "" || entry.Kind == kind {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// --- Scheduled decisions ---

func scheduledKey(sd *types.ScheduledDecision) []byte {
	return compoundKey(timeKey(sd.ScheduledAt), sd.ID)
}

func (s *BoltStore) PutScheduled(sd *types.ScheduledDecision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduled)
		data, err := json.Marshal(sd)
		if err != nil {
			return err
		}
		return b.Put(scheduledKey(sd), data)
	})
}

func (s *BoltStore) DeleteScheduled(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduled)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sd types.ScheduledDecision
			if err := json.Unmarshal(v, &sd); err != nil {
				continue
			}
			if sd.ID == id {
				return b.Delete(k)
			}
		}
		return nil
	})
}

func (s *BoltStore) ListScheduled() ([]*types.ScheduledDecision, error) {
	var out []*types.ScheduledDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduled)
		return b.ForEach(func(k, v []byte) error {
			var sd types.ScheduledDecision
			if err := json.Unmarshal(v, &sd); err != nil {
				return err
			}
			out = append(out, &sd)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListScheduledDue(now time.Time) ([]*types.ScheduledDecision, error) {
	var out []*types.ScheduledDecision
	max := []byte(timeKey(now) + "|\xff")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduled)
		c := b.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var sd types.ScheduledDecision
			if err := json.Unmarshal(v, &sd); err != nil {
				return err
			}
			out = append(out, &sd)
		}
		return nil
	})
	return out, err
}

// --- Enriched events ---

func eventKey(e *types.Event) []byte {
	return compoundKey(timeKey(e.IngestedAt), e.ID)
}

func (s *BoltStore) PutEvent(event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(eventKey(event), data)
	})
}

func (s *BoltStore) ListEventsByTime(from, to time.Time) ([]*types.Event, error) {
	var out []*types.Event
	min := []byte(timeKey(from))
	max := []byte(timeKey(to) + "|\xff")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteEventsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	max := []byte(timeKey(cutoff))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		var doomed [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, max) < 0; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// --- Execution records ---

func executionKey(r *types.ExecutionRecord) []byte {
	return compoundKey(timeKey(r.StartedAt), r.ExecutionID)
}

func (s *BoltStore) AppendExecutions(records []*types.ExecutionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put(executionKey(r), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetExecution(executionID string) (*types.ExecutionRecord, error) {
	var found *types.ExecutionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r types.ExecutionRecord
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.ExecutionID == executionID {
				found = &r
				return nil
			}
		}
		return fmt.Errorf("execution not found: %s", executionID)
	})
	return found, err
}

func (s *BoltStore) listExecutions(from, to time.Time, keep func(*types.ExecutionRecord) bool) ([]*types.ExecutionRecord, error) {
	var out []*types.ExecutionRecord
	min := []byte(timeKey(from))
	max := []byte(timeKey(to) + "|\xff")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		c := b.Cursor()
		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var r types.ExecutionRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if keep == nil || keep(&r) {
				out = append(out, &r)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListExecutionsByTime(from, to time.Time) ([]*types.ExecutionRecord, error) {
	return s.listExecutions(from, to, nil)
}

func (s *BoltStore) ListExecutionsByHook(hookID string, from, to time.Time) ([]*types.ExecutionRecord, error) {
	return s.listExecutions(from, to, func(r *types.ExecutionRecord) bool {
		return r.HookID == hookID
	})
}

func (s *BoltStore) ListExecutionsByTeam(teamID string, from, to time.Time) ([]*types.ExecutionRecord, error) {
	return s.listExecutions(from, to, func(r *types.ExecutionRecord) bool {
		return r.TeamID == teamID
	})
}

func (s *BoltStore) DeleteExecutionsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	max := []byte(timeKey(cutoff))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		c := b.Cursor()
		var doomed [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, max) < 0; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// --- Hourly aggregates ---

func hourlyKey(hookID string, hour time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(hour.UTC().Truncate(time.Hour).Unix()))
	return append([]byte(hookID+"|"), buf...)
}

func (s *BoltStore) UpsertHourly(stats *types.HourlyStats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecHourly)
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return b.Put(hourlyKey(stats.HookID, stats.Hour), data)
	})
}

func (s *BoltStore) GetHourly(hookID string, hour time.Time) (*types.HourlyStats, error) {
	var stats types.HourlyStats
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecHourly)
		data := b.Get(hourlyKey(hookID, hour))
		if data == nil {
			return fmt.Errorf("hourly stats not found: %s@%s", hookID, hour)
		}
		return json.Unmarshal(data, &stats)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *BoltStore) ListHourly(hookID string, from, to time.Time) ([]*types.HourlyStats, error) {
	var out []*types.HourlyStats
	min := hourlyKey(hookID, from)
	max := hourlyKey(hookID, to)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecHourly)
		c := b.Cursor()
		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, []byte(hookID+"|")) {
				break
			}
			var stats types.HourlyStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return err
			}
			out = append(out, &stats)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteHourlyBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecHourly)
		c := b.Cursor()
		var doomed [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var stats types.HourlyStats
			if err := json.Unmarshal(v, &stats); err != nil {
				continue
			}
			if stats.Hour.Before(cutoff) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// --- Team config snapshots ---

func teamVersionKey(teamID string, version int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(version))
	return append([]byte(teamID+"|"), buf...)
}

func (s *BoltStore) PutTeamSnapshot(teamID string, version int, snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeamConfig)
		return b.Put(teamVersionKey(teamID, version), snapshot)
	})
}

func (s *BoltStore) GetTeamSnapshot(teamID string, version int) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeamConfig)
		v := b.Get(teamVersionKey(teamID, version))
		if v == nil {
			return fmt.Errorf("team snapshot not found: %s v%d", teamID, version)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltStore) ListTeamVersions(teamID string) ([]int, error) {
	var versions []int
	prefix := []byte(teamID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeamConfig)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			version := binary.BigEndian.Uint64(k[len(prefix):])
			versions = append(versions, int(version))
		}
		return nil
	})
	return versions, err
}

func (s *BoltStore) SetActiveVersion(teamID string, version int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTeamConfig).Get(teamVersionKey(teamID, version)) == nil {
			return fmt.Errorf("team snapshot not found: %s v%d", teamID, version)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(version))
		return tx.Bucket(bucketActiveVers).Put([]byte(teamID), buf)
	})
}

func (s *BoltStore) GetActiveVersion(teamID string) (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActiveVers)
		v := b.Get([]byte(teamID))
		if v == nil {
			return fmt.Errorf("no active version for team: %s", teamID)
		}
		version = int(binary.BigEndian.Uint64(v))
		return nil
	})
	return version, err
}

func (s *BoltStore) ListTeamIDs() ([]string, error) {
	var teams []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActiveVers)
		return b.ForEach(func(k, v []byte) error {
			teams = append(teams, string(k))
			return nil
		})
	})
	return teams, err
}

// --- Audit trail ---

func (s *BoltStore) AppendAudit(record *types.AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		key := compoundKey(record.TeamID, timeKey(record.At), fmt.Sprintf("%d", record.Version))
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListAudit(teamID string) ([]*types.AuditRecord, error) {
	var out []*types.AuditRecord
	prefix := []byte(teamID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record types.AuditRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, &record)
		}
		return nil
	})
	return out, err
}

// --- Dead letters ---

func (s *BoltStore) AppendDeadLetter(record *types.ExecutionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(executionKey(record), data)
	})
}

func (s *BoltStore) ListDeadLetters() ([]*types.ExecutionRecord, error) {
	var out []*types.ExecutionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		return b.ForEach(func(k, v []byte) error {
			var r types.ExecutionRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteDeadLettersBefore(cutoff time.Time) (int, error) {
	deleted := 0
	max := []byte(timeKey(cutoff))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		c := b.Cursor()
		var doomed [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, max) < 0; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
