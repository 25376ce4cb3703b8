package queue

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-agent/pkg/plugin"
)

func newTestQueue(t *testing.T, maxSize, maxRetries int) *Queue {
	t.Helper()
	q, err := New(Options{
		Path:       filepath.Join(t.TempDir(), "queue.db"),
		MaxSize:    maxSize,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func record(sourceID string, seq int) plugin.DataRecord {
	return plugin.DataRecord{
		SourceID:   sourceID,
		SourceType: "test",
		Timestamp:  time.Now().UTC(),
		Data:       map[string]interface{}{"seq": seq},
		Metadata:   map[string]interface{}{"origin": "unit-test"},
	}
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := newTestQueue(t, 100, 10)

	for i := 0; i < 10; i++ {
		require.True(t, q.Enqueue(record("src-1", i)))
	}

	batch := q.Dequeue(100)
	require.Len(t, batch, 10)

	for i, rec := range batch {
		assert.Equal(t, "src-1", rec.SourceID)
		assert.Equal(t, "test", rec.SourceType)
		assert.Equal(t, float64(i), rec.Data["seq"], "records must come back oldest first")
		assert.Zero(t, rec.Attempts)
	}
}

func TestDequeueRespectsBatchSize(t *testing.T) {
	q := newTestQueue(t, 100, 10)

	for i := 0; i < 10; i++ {
		require.True(t, q.Enqueue(record("src-1", i)))
	}

	batch := q.Dequeue(3)
	require.Len(t, batch, 3)
	assert.Equal(t, float64(0), batch[0].Data["seq"])
	assert.Equal(t, float64(2), batch[2].Data["seq"])
}

func TestEvictionAtCapacity(t *testing.T) {
	const maxSize = 120
	q := newTestQueue(t, maxSize, 10)

	for i := 0; i < maxSize; i++ {
		require.True(t, q.Enqueue(record("src-1", i)))
	}
	require.Equal(t, maxSize, q.Stats().Total)

	// One more enqueue sheds the 100 oldest, then inserts.
	require.True(t, q.Enqueue(record("src-1", maxSize)))

	stats := q.Stats()
	assert.Equal(t, maxSize-100+1, stats.Total)

	batch := q.Dequeue(1)
	require.Len(t, batch, 1)
	assert.Equal(t, float64(100), batch[0].Data["seq"], "survivors must be the newest records")
}

func TestMarkSuccessRemovesRecords(t *testing.T) {
	q := newTestQueue(t, 100, 10)

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(record("src-1", i)))
	}

	batch := q.Dequeue(2)
	require.Len(t, batch, 2)

	q.MarkSuccess([]int64{batch[0].ID, batch[1].ID})

	assert.Equal(t, 3, q.Stats().Total)
	remaining := q.Dequeue(100)
	require.Len(t, remaining, 3)
	assert.Equal(t, float64(2), remaining[0].Data["seq"])
}

func TestMarkFailureIsDurable(t *testing.T) {
	q := newTestQueue(t, 100, 10)
	require.True(t, q.Enqueue(record("src-1", 0)))

	batch := q.Dequeue(1)
	require.Len(t, batch, 1)

	q.MarkFailure(batch[0].ID, "send failed: transport unavailable")

	batch = q.Dequeue(1)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempts)
	assert.Equal(t, "send failed: transport unavailable", batch[0].LastError)
}

func TestDeadLetterAfterRetryBudget(t *testing.T) {
	const maxRetries = 3
	q := newTestQueue(t, 100, maxRetries)
	require.True(t, q.Enqueue(record("src-1", 0)))

	batch := q.Dequeue(1)
	require.Len(t, batch, 1)
	id := batch[0].ID

	for i := 0; i < maxRetries; i++ {
		q.MarkFailure(id, fmt.Sprintf("attempt %d failed", i+1))
	}

	// Exhausted records are retained but never handed out again.
	assert.Empty(t, q.Dequeue(10))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.DeadLetter)
}

func TestStats(t *testing.T) {
	q := newTestQueue(t, 100, 10)

	stats := q.Stats()
	assert.Zero(t, stats.Total)
	assert.Empty(t, stats.OldestRecord)

	for i := 0; i < 4; i++ {
		require.True(t, q.Enqueue(record("src-1", i)))
	}

	stats = q.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 4, stats.Pending)
	assert.Zero(t, stats.DeadLetter)
	assert.NotEmpty(t, stats.OldestRecord)
}

func TestClear(t *testing.T) {
	q := newTestQueue(t, 100, 10)

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(record("src-1", i)))
	}
	q.Clear()

	assert.Zero(t, q.Stats().Total)
	assert.Empty(t, q.Dequeue(10))
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := New(Options{Path: path, MaxSize: 100, MaxRetries: 10})
	require.NoError(t, err)
	require.True(t, q.Enqueue(record("src-1", 42)))
	require.NoError(t, q.Close())

	reopened, err := New(Options{Path: path, MaxSize: 100, MaxRetries: 10})
	require.NoError(t, err)
	defer reopened.Close()

	batch := reopened.Dequeue(10)
	require.Len(t, batch, 1)
	assert.Equal(t, float64(42), batch[0].Data["seq"])
}
