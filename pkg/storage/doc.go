/*
Package storage provides the persistent state layer for Hookline's broker.

The storage package defines the Store interface and its BoltDB-backed
implementation. All broker state that must survive restarts lives here:
dedup windows, retained events, scheduled decisions, execution records,
hourly aggregates, versioned team-config snapshots, the audit trail and
the dead-letter queue.

# Layout

Each concern maps to one bucket with JSON values:

	dedup        content_hash -> DedupEntry (TTL enforced by sweeps)
	events       ingested_at|id -> Event (replay window)
	scheduled    scheduled_at|id -> ScheduledDecision (range-scanned by due time)
	executions   started_at|execution_id -> ExecutionRecord (append-only)
	exec_hourly  hook_id|hour -> HourlyStats (idempotent upsert)
	team_config  team_id|version -> snapshot blob, with an active-version pointer
	audit        team_id|at|version -> AuditRecord
	dead_letters started_at|execution_id -> ExecutionRecord

Time-prefixed keys make range scans by time a cursor walk. Compound keys
use '|' as separator, which never appears in generated ids.

# Semantics

InsertDedup provides atomic insert-or-fetch inside one write transaction.
UpsertHourly makes aggregation re-runnable: rewriting a bucket with the
same inputs produces the same row. Writes are idempotent on their primary
keys, so redelivery after a crash cannot duplicate state.
*/
package storage
