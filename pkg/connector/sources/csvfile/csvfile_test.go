package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-agent/pkg/plugin"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func drain(t *testing.T, stream *plugin.Stream) ([]plugin.DataRecord, error) {
	t.Helper()
	var records []plugin.DataRecord
	for rec := range stream.Records {
		records = append(records, rec)
	}
	err, _ := <-stream.Errors
	return records, err
}

func TestFetchWithHeader(t *testing.T) {
	path := writeCSV(t, "name,city\nalice,berlin\nbob,tokyo\n")
	src := New("src-1", plugin.Credentials{"path": path})

	require.NoError(t, src.Connect(context.Background()))
	assert.True(t, src.Connected())

	stream, err := src.Fetch(context.Background())
	require.NoError(t, err)

	records, streamErr := drain(t, stream)
	require.NoError(t, streamErr)
	require.Len(t, records, 2)

	assert.Equal(t, "src-1", records[0].SourceID)
	assert.Equal(t, "csvfile", records[0].SourceType)
	assert.Equal(t, "alice", records[0].Data["name"])
	assert.Equal(t, "berlin", records[0].Data["city"])
	assert.Equal(t, "bob", records[1].Data["name"])
}

func TestFetchWithoutHeader(t *testing.T) {
	path := writeCSV(t, "alice,berlin\n")
	src := New("src-1", plugin.Credentials{"path": path, "has_header": "false"})

	stream, err := src.Fetch(context.Background())
	require.NoError(t, err)

	records, streamErr := drain(t, stream)
	require.NoError(t, streamErr)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Data["col_0"])
	assert.Equal(t, "berlin", records[0].Data["col_1"])
}

func TestFetchCustomDelimiter(t *testing.T) {
	path := writeCSV(t, "name;city\ncarol;oslo\n")
	src := New("src-1", plugin.Credentials{"path": path, "delimiter": ";"})

	stream, err := src.Fetch(context.Background())
	require.NoError(t, err)

	records, streamErr := drain(t, stream)
	require.NoError(t, streamErr)
	require.Len(t, records, 1)
	assert.Equal(t, "oslo", records[0].Data["city"])
}

func TestFetchSkipsMalformedRows(t *testing.T) {
	// The quoted field on row two never closes on that line.
	path := writeCSV(t, "name,city\nalice,berlin\n\"broken,row\ndave,lima\n")
	src := New("src-1", plugin.Credentials{"path": path})

	stream, err := src.Fetch(context.Background())
	require.NoError(t, err)

	records, _ := drain(t, stream)
	require.NotEmpty(t, records)
	assert.Equal(t, "alice", records[0].Data["name"])
}

func TestConnectMissingFile(t *testing.T) {
	src := New("src-1", plugin.Credentials{"path": "/does/not/exist.csv"})
	assert.Error(t, src.Connect(context.Background()))
	assert.False(t, src.Connected())
}

func TestTestConnection(t *testing.T) {
	path := writeCSV(t, "a,b\n1,2\n")
	src := New("src-1", plugin.Credentials{"path": path})

	ok, msg := src.TestConnection(context.Background())
	assert.True(t, ok)
	assert.NotEmpty(t, msg)

	bad := New("src-1", plugin.Credentials{"path": "/nope.csv"})
	ok, msg = bad.TestConnection(context.Background())
	assert.False(t, ok)
	assert.Contains(t, msg, "cannot open file")
}
