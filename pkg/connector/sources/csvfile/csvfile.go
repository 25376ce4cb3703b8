// Package csvfile harvests rows from a local CSV file.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const pluginType = "csvfile"

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "CSV File",
			Description: "Reads rows from a local CSV file",
			Icon:        "file-text",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "path", Label: "File Path", Type: plugin.FieldTypeFile, Required: true,
				Placeholder: "/data/export.csv"},
			{Name: "has_header", Label: "First Row Is Header", Type: plugin.FieldTypeCheckbox,
				Default: "true"},
			{Name: "delimiter", Label: "Delimiter", Type: plugin.FieldTypeText,
				Default: ",", Help: "Single character column separator"},
		},
		New: New,
	})
}

// Source reads one CSV file per sync tick
type Source struct {
	sourceID  string
	creds     plugin.Credentials
	logger    *zap.Logger
	connected bool
}

// New creates a CSV file source
func New(sourceID string, creds plugin.Credentials) plugin.Source {
	return &Source{
		sourceID: sourceID,
		creds:    creds,
		logger: logger.Get().With(
			zap.String("plugin", pluginType),
			zap.String("source_id", sourceID)),
	}
}

func (s *Source) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: pluginType, Name: "CSV File",
		Description: "Reads rows from a local CSV file", Icon: "file-text"}
}

// Connect verifies the file exists and is readable
func (s *Source) Connect(_ context.Context) error {
	path := s.creds.Get("path", "")
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "cannot access CSV file")
	}
	if info.IsDir() {
		return errors.Newf(errors.ErrorTypeValidation, "path is a directory: %s", path)
	}
	s.connected = true
	return nil
}

func (s *Source) Disconnect(_ context.Context) error {
	s.connected = false
	return nil
}

func (s *Source) Connected() bool {
	return s.connected
}

func (s *Source) TestConnection(_ context.Context) (bool, string) {
	path := s.creds.Get("path", "")
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Sprintf("cannot open file: %v", err)
	}
	defer f.Close()

	r := s.newReader(f)
	if _, err := r.Read(); err != nil && err != io.EOF {
		return false, fmt.Sprintf("cannot parse CSV: %v", err)
	}
	return true, "file is readable"
}

func (s *Source) newReader(f *os.File) *csv.Reader {
	r := csv.NewReader(f)
	if d := s.creds.Get("delimiter", ","); d != "" {
		r.Comma = rune(d[0])
	}
	r.FieldsPerRecord = -1
	return r
}

// Fetch streams every row of the file. Malformed rows are skipped.
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	path := s.creds.Get("path", "")
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "cannot open CSV file")
	}

	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)
		defer f.Close()

		r := s.newReader(f)
		hasHeader := s.creds.Get("has_header", "true") == "true"

		var headers []string
		rowNum := 0

		for {
			if ctx.Err() != nil {
				return
			}
			row, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				if _, bad := err.(*csv.ParseError); bad {
					s.logger.Warn("skipping malformed row",
						zap.Int("row", rowNum), zap.Error(err))
					rowNum++
					continue
				}
				errs <- errors.Wrap(err, errors.ErrorTypeData, "CSV read failed")
				return
			}

			if rowNum == 0 && hasHeader {
				headers = row
				rowNum++
				continue
			}

			data := make(map[string]interface{}, len(row))
			for i, v := range row {
				key := fmt.Sprintf("col_%d", i)
				if i < len(headers) {
					key = headers[i]
				}
				data[key] = v
			}

			select {
			case records <- plugin.DataRecord{
				SourceID:   s.sourceID,
				SourceType: pluginType,
				Timestamp:  time.Now().UTC(),
				Data:       data,
				Metadata:   map[string]interface{}{"file": path, "row": rowNum},
			}:
			case <-ctx.Done():
				return
			}
			rowNum++
		}
	}()

	return plugin.NewStream(records, errs), nil
}
