package storage

import (
	"time"

	"github.com/hookline/hookline/pkg/types"
)

// Store defines the interface for broker state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Dedup entries
	// InsertDedup atomically inserts the entry unless one already exists and
	// is unexpired; it returns the stored entry and whether this call
	// inserted it.
	InsertDedup(entry *types.DedupEntry, now time.Time) (*types.DedupEntry, bool, error)
	PutDedup(entry *types.DedupEntry) error
	GetDedup(contentHash string) (*types.DedupEntry, error)
	ListDedup() ([]*types.DedupEntry, error)
	DeleteDedup(contentHash string) error
	SweepDedup(now time.Time) (int, error)
	PurgeDedup(kind types.Kind) (int, error)

	// Scheduled decisions
	PutScheduled(sd *types.ScheduledDecision) error
	DeleteScheduled(id string) error
	ListScheduled() ([]*types.ScheduledDecision, error)
	ListScheduledDue(now time.Time) ([]*types.ScheduledDecision, error)

	// Enriched events (retained for replay)
	PutEvent(event *types.Event) error
	ListEventsByTime(from, to time.Time) ([]*types.Event, error)
	DeleteEventsBefore(cutoff time.Time) (int, error)

	// Execution records
	AppendExecutions(records []*types.ExecutionRecord) error
	GetExecution(executionID string) (*types.ExecutionRecord, error)
	ListExecutionsByTime(from, to time.Time) ([]*types.ExecutionRecord, error)
	ListExecutionsByHook(hookID string, from, to time.Time) ([]*types.ExecutionRecord, error)
	ListExecutionsByTeam(teamID string, from, to time.Time) ([]*types.ExecutionRecord, error)
	DeleteExecutionsBefore(cutoff time.Time) (int, error)

	// Hourly aggregates
	UpsertHourly(stats *types.HourlyStats) error
	GetHourly(hookID string, hour time.Time) (*types.HourlyStats, error)
	ListHourly(hookID string, from, to time.Time) ([]*types.HourlyStats, error)
	DeleteHourlyBefore(cutoff time.Time) (int, error)

	// Team config snapshots
	PutTeamSnapshot(teamID string, version int, snapshot []byte) error
	GetTeamSnapshot(teamID string, version int) ([]byte, error)
	ListTeamVersions(teamID string) ([]int, error)
	SetActiveVersion(teamID string, version int) error
	GetActiveVersion(teamID string) (int, error)
	ListTeamIDs() ([]string, error)

	// Audit trail
	AppendAudit(record *types.AuditRecord) error
	ListAudit(teamID string) ([]*types.AuditRecord, error)

	// Dead letters
	AppendDeadLetter(record *types.ExecutionRecord) error
	ListDeadLetters() ([]*types.ExecutionRecord, error)
	DeleteDeadLettersBefore(cutoff time.Time) (int, error)

	Close() error
}
