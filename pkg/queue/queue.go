// Package queue provides the disk-backed retry queue that absorbs records
// while the cloud transport is unavailable.
//
// The queue is a single SQLite table ordered by creation time. It is
// size-bounded: when full, the 100 oldest records are evicted to make room,
// which is the only legitimate data loss path and is logged and counted.
// Records that exhaust their retry budget are dead-lettered: excluded from
// Dequeue but retained for inspection.
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/metrics"
	"github.com/relaymesh/relay-agent/pkg/plugin"
)

const (
	// DefaultMaxSize is the default queue capacity
	DefaultMaxSize = 100000
	// DefaultMaxRetries is the default per-record retry budget
	DefaultMaxRetries = 10
	// evictBatch is how many oldest records a full queue sheds at once
	evictBatch = 100
)

// QueuedRecord is an undelivered record held by the queue
type QueuedRecord struct {
	ID         int64
	SourceID   string
	SourceType string
	Timestamp  time.Time
	Data       map[string]interface{}
	Metadata   map[string]interface{}
	CreatedAt  time.Time
	Attempts   int
	LastError  string
}

// Stats is a read-only aggregate of queue state
type Stats struct {
	Total        int    `json:"total"`
	Pending      int    `json:"pending"`
	DeadLetter   int    `json:"dead_letter"`
	OldestRecord string `json:"oldest_record,omitempty"`
}

// Options configures a Queue
type Options struct {
	Path       string
	MaxSize    int
	MaxRetries int
}

// Queue is a durable FIFO of undelivered records. A single mutex guards
// every read-modify-write sequence, so it is safe under concurrent callers
// (the sync loops and the drain loop). Storage failures are logged and
// reported through return values, never panics.
type Queue struct {
	db         *sql.DB
	mu         sync.Mutex
	maxSize    int
	maxRetries int
	logger     *zap.Logger
}

// New opens the queue storage, creating the schema when missing. A storage
// failure here is the one unrecoverable startup condition of the agent.
func New(opts Options) (*Queue, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	q := &Queue{
		db:         db,
		maxSize:    opts.MaxSize,
		maxRetries: opts.MaxRetries,
		logger:     logger.Get().With(zap.String("component", "queue")),
	}

	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_created ON queue(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_attempts ON queue(attempts)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize queue schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying storage
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}

// MaxRetries returns the per-record retry budget
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue adds a record. When the queue is at capacity the 100 oldest
// records are evicted first. Returns false on storage failure.
func (q *Queue) Enqueue(rec plugin.DataRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&count); err != nil {
		q.logger.Error("failed to read queue size", zap.Error(err))
		return false
	}

	if count >= q.maxSize {
		res, err := q.db.Exec(`DELETE FROM queue WHERE id IN (
			SELECT id FROM queue ORDER BY created_at ASC, id ASC LIMIT ?
		)`, evictBatch)
		if err != nil {
			q.logger.Error("failed to evict oldest records", zap.Error(err))
			return false
		}
		evicted, _ := res.RowsAffected()
		metrics.RecordsEvicted.Add(float64(evicted))
		q.logger.Warn("queue full, evicted oldest records",
			zap.Int64("evicted", evicted),
			zap.Int("max_size", q.maxSize))
	}

	data, err := json.Marshal(rec.Data)
	if err != nil {
		q.logger.Error("failed to encode record data", zap.Error(err))
		return false
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		q.logger.Error("failed to encode record metadata", zap.Error(err))
		return false
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = q.db.Exec(`INSERT INTO queue
		(source_id, source_type, timestamp, data, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SourceID,
		rec.SourceType,
		ts.UTC().Format(time.RFC3339Nano),
		string(data),
		string(metadata),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		q.logger.Error("failed to enqueue record", zap.Error(err))
		return false
	}

	metrics.QueueDepth.Inc()
	return true
}

// Dequeue returns up to batchSize records eligible for retry, oldest first.
// Dead-lettered records never appear here.
func (q *Queue) Dequeue(batchSize int) []QueuedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT id, source_id, source_type, timestamp,
		data, metadata, created_at, attempts, last_error
		FROM queue
		WHERE attempts < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, q.maxRetries, batchSize)
	if err != nil {
		q.logger.Error("failed to dequeue records", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var records []QueuedRecord
	for rows.Next() {
		var (
			rec            QueuedRecord
			ts, created    string
			data, metadata sql.NullString
			lastError      sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.SourceType, &ts,
			&data, &metadata, &created, &rec.Attempts, &lastError); err != nil {
			q.logger.Error("failed to scan queued record", zap.Error(err))
			continue
		}

		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.LastError = lastError.String

		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
				q.logger.Warn("skipping undecodable queued record",
					zap.Int64("id", rec.ID), zap.Error(err))
				continue
			}
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &rec.Metadata)
		}

		records = append(records, rec)
	}
	return records
}

// MarkSuccess deletes records after confirmed delivery
func (q *Queue) MarkSuccess(ids []int64) {
	if len(ids) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := q.db.Exec(`DELETE FROM queue WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		q.logger.Error("failed to remove delivered records", zap.Error(err))
		return
	}
	deleted, _ := res.RowsAffected()
	metrics.QueueDepth.Sub(float64(deleted))
	q.logger.Debug("removed delivered records", zap.Int64("count", deleted))
}

// MarkFailure records a failed delivery attempt. Once attempts reaches the
// retry budget the record is dead-lettered.
func (q *Queue) MarkFailure(id int64, deliveryErr string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`UPDATE queue SET attempts = attempts + 1, last_error = ?
		WHERE id = ?`, deliveryErr, id)
	if err != nil {
		q.logger.Error("failed to record delivery failure",
			zap.Int64("id", id), zap.Error(err))
		return
	}

	var attempts int
	if err := q.db.QueryRow(`SELECT attempts FROM queue WHERE id = ?`, id).Scan(&attempts); err == nil {
		if attempts == q.maxRetries {
			metrics.RecordsDeadLettered.Inc()
			q.logger.Warn("record dead-lettered",
				zap.Int64("id", id),
				zap.Int("attempts", attempts),
				zap.String("last_error", deliveryErr))
		}
	}
}

// Stats returns a read-only aggregate for health reporting
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats Stats
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&stats.Total); err != nil {
		q.logger.Error("failed to read queue stats", zap.Error(err))
		return Stats{}
	}
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE attempts >= ?`,
		q.maxRetries).Scan(&stats.DeadLetter); err != nil {
		q.logger.Error("failed to read dead-letter count", zap.Error(err))
		return Stats{}
	}
	stats.Pending = stats.Total - stats.DeadLetter

	var oldest sql.NullString
	if err := q.db.QueryRow(`SELECT MIN(created_at) FROM queue`).Scan(&oldest); err == nil && oldest.Valid {
		stats.OldestRecord = oldest.String
	}

	metrics.QueueDepth.Set(float64(stats.Total))
	return stats
}

// Clear removes every record, including dead letters
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(`DELETE FROM queue`); err != nil {
		q.logger.Error("failed to clear queue", zap.Error(err))
		return
	}
	metrics.QueueDepth.Set(0)
	q.logger.Info("queue cleared")
}
