// Package replication ships sealed archive segments to configured
// destinations through a durable SQLite-backed queue. All queue access goes
// through one *sql.DB; the shipper task is the only claimer.
package replication

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/metrics"
)

// Job states.
const (
	StateQueued   = "queued"
	StateInFlight = "in_flight"
	StateShipped  = "shipped"
	StateFailed   = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS replication_queue (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    segment_path  TEXT NOT NULL,
    manifest_path TEXT NOT NULL,
    destination   TEXT NOT NULL,
    state         TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT,
    next_retry_at INTEGER NOT NULL,
    enqueued_at   INTEGER NOT NULL,
    shipped_at    INTEGER,
    UNIQUE(segment_path, destination)
);
CREATE INDEX IF NOT EXISTS idx_replication_ready
ON replication_queue(state, next_retry_at);
`

// Job is one (segment, destination) replication unit.
type Job struct {
	ID           int64
	SegmentPath  string
	ManifestPath string
	Destination  string
	Attempts     int
}

// Queue is the durable replication queue.
type Queue struct {
	db           *sql.DB
	destinations []config.DestinationConfig
}

// Open creates or opens the queue database under the archive root and
// resets any rows a previous process left in flight.
func Open(archiveRoot string, destinations []config.DestinationConfig) (*Queue, error) {
	dir := filepath.Join(archiveRoot, ".replication")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("replication: creating queue dir: %w", err)
	}
	path := filepath.Join(dir, "queue.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replication: opening queue db %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("replication: initializing schema: %w", err)
	}

	q := &Queue{db: db, destinations: destinations}
	if err := q.recoverInFlight(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// recoverInFlight requeues rows stranded by a crash mid-ship.
func (q *Queue) recoverInFlight() error {
	_, err := q.db.Exec(
		`UPDATE replication_queue SET state = ? WHERE state = ?`,
		StateQueued, StateInFlight,
	)
	if err != nil {
		return fmt.Errorf("replication: recovering in-flight rows: %w", err)
	}
	return nil
}

// EnqueueSegment inserts one row per configured destination in a single
// transaction, so a sealed segment either enters the queue completely or not
// at all. Re-enqueueing the same segment is a no-op per destination.
func (q *Queue) EnqueueSegment(segmentPath, manifestPath string) error {
	if len(q.destinations) == 0 {
		return nil
	}
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("replication: begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for i := range q.destinations {
		d := &q.destinations[i]
		_, err := tx.Exec(`
			INSERT INTO replication_queue
				(segment_path, manifest_path, destination, state, attempts, next_retry_at, enqueued_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(segment_path, destination) DO NOTHING`,
			segmentPath, manifestPath, d.Key(), StateQueued, now, now,
		)
		if err != nil {
			return fmt.Errorf("replication: enqueue for %s: %w", d.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replication: commit enqueue tx: %w", err)
	}
	q.updateDepthGauge()
	return nil
}

// ClaimReady moves up to limit due rows to InFlight and returns them.
func (q *Queue) ClaimReady(ctx context.Context, limit int) ([]Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("replication: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, segment_path, manifest_path, destination, attempts
		FROM replication_queue
		WHERE state = ? AND next_retry_at <= ?
		ORDER BY id ASC
		LIMIT ?`,
		StateQueued, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("replication: selecting ready rows: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.SegmentPath, &j.ManifestPath, &j.Destination, &j.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("replication: scanning row: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replication: iterating rows: %w", err)
	}

	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE replication_queue SET state = ? WHERE id = ?`,
			StateInFlight, j.ID,
		); err != nil {
			return nil, fmt.Errorf("replication: claiming job %d: %w", j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("replication: commit claim tx: %w", err)
	}
	return jobs, nil
}

// MarkShipped records a destination acknowledgement.
func (q *Queue) MarkShipped(id int64) error {
	_, err := q.db.Exec(
		`UPDATE replication_queue SET state = ?, shipped_at = ? WHERE id = ?`,
		StateShipped, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("replication: marking job %d shipped: %w", id, err)
	}
	q.updateDepthGauge()
	return nil
}

// MarkFailed requeues the job with backoff, or parks it as Failed once the
// destination's retry ceiling is reached.
func (q *Queue) MarkFailed(j Job, cause string, retryAt time.Time, maxRetries int) error {
	attempts := j.Attempts + 1
	state := StateQueued
	if maxRetries > 0 && attempts >= maxRetries {
		state = StateFailed
	}
	_, err := q.db.Exec(`
		UPDATE replication_queue
		SET state = ?, attempts = ?, last_error = ?, next_retry_at = ?
		WHERE id = ?`,
		state, attempts, cause, retryAt.Unix(), j.ID,
	)
	if err != nil {
		return fmt.Errorf("replication: marking job %d failed: %w", j.ID, err)
	}
	q.updateDepthGauge()
	return nil
}

// RetryFailed requeues every Failed row immediately and returns the count.
func (q *Queue) RetryFailed() (int64, error) {
	res, err := q.db.Exec(
		`UPDATE replication_queue SET state = ?, next_retry_at = ? WHERE state = ?`,
		StateQueued, time.Now().Unix(), StateFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("replication: retrying failed rows: %w", err)
	}
	n, _ := res.RowsAffected()
	q.updateDepthGauge()
	return n, nil
}

// Counts reports queue occupancy per state.
func (q *Queue) Counts() (map[string]int64, error) {
	rows, err := q.db.Query(
		`SELECT state, COUNT(*) FROM replication_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("replication: counting rows: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("replication: scanning count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// LastErrors returns the most recent failure per destination for reporting
// through `archive status`.
func (q *Queue) LastErrors() (map[string]string, error) {
	rows, err := q.db.Query(`
		SELECT destination, last_error FROM replication_queue
		WHERE last_error IS NOT NULL AND state IN (?, ?)
		ORDER BY id DESC`, StateQueued, StateFailed)
	if err != nil {
		return nil, fmt.Errorf("replication: selecting last errors: %w", err)
	}
	defer rows.Close()
	errs := make(map[string]string)
	for rows.Next() {
		var dest, lastErr string
		if err := rows.Scan(&dest, &lastErr); err != nil {
			return nil, fmt.Errorf("replication: scanning last error: %w", err)
		}
		if _, ok := errs[dest]; !ok {
			errs[dest] = lastErr
		}
	}
	return errs, rows.Err()
}

// PurgeShipped deletes rows whose every destination shipped before the
// cutoff. The segment files themselves become eligible for deletion by
// external retention tooling once no rows reference them.
func (q *Queue) PurgeShipped(olderThan time.Time) (int64, error) {
	res, err := q.db.Exec(`
		DELETE FROM replication_queue
		WHERE state = ? AND shipped_at < ?
		AND segment_path NOT IN (
			SELECT segment_path FROM replication_queue WHERE state != ?
		)`,
		StateShipped, olderThan.Unix(), StateShipped,
	)
	if err != nil {
		return 0, fmt.Errorf("replication: purging shipped rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (q *Queue) updateDepthGauge() {
	var n int64
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM replication_queue WHERE state IN (?, ?)`,
		StateQueued, StateInFlight,
	).Scan(&n)
	if err == nil {
		metrics.ReplicationQueueDepth.Set(float64(n))
	}
}
