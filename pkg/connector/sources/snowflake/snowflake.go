// Package snowflake harvests rows from a Snowflake query.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sf "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const pluginType = "snowflake"

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "Snowflake",
			Description: "Runs a SQL query against a Snowflake warehouse",
			Icon:        "snowflake",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "account", Label: "Account", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "xy12345.us-east-1"},
			{Name: "user", Label: "User", Type: plugin.FieldTypeText, Required: true},
			{Name: "password", Label: "Password", Type: plugin.FieldTypePassword, Required: true},
			{Name: "database", Label: "Database", Type: plugin.FieldTypeText, Required: true},
			{Name: "schema", Label: "Schema", Type: plugin.FieldTypeText, Default: "PUBLIC"},
			{Name: "warehouse", Label: "Warehouse", Type: plugin.FieldTypeText},
			{Name: "query", Label: "Query", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "SELECT * FROM events"},
		},
		New: New,
	})
}

// Source runs one query per sync tick
type Source struct {
	sourceID string
	creds    plugin.Credentials
	db       *sql.DB
	logger   *zap.Logger
}

// New creates a Snowflake source
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
	return plugin.Metadata{ID: pluginType, Name: "Snowflake",
		Description: "Runs a SQL query against a Snowflake warehouse", Icon: "snowflake"}
}

func (s *Source) dsn() (string, error) {
	cfg := &sf.Config{
		Account:   s.creds.Get("account", ""),
		User:      s.creds.Get("user", ""),
		Password:  s.creds.Get("password", ""),
		Database:  s.creds.Get("database", ""),
		Schema:    s.creds.Get("schema", "PUBLIC"),
		Warehouse: s.creds.Get("warehouse", ""),
	}
	dsn, err := sf.DSN(cfg)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "invalid Snowflake configuration")
	}
	return dsn, nil
}

func (s *Source) open(ctx context.Context) (*sql.DB, error) {
	dsn, err := s.dsn()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open Snowflake connection")
	}
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach Snowflake")
	}
	return db, nil
}

func (s *Source) Connect(ctx context.Context) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Source) Disconnect(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *Source) Connected() bool {
	return s.db != nil
}

func (s *Source) TestConnection(ctx context.Context) (bool, string) {
	db, err := s.open(ctx)
	if err != nil {
		return false, errors.Message(err)
	}
	defer db.Close()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT CURRENT_VERSION()").Scan(&version); err != nil {
		return false, fmt.Sprintf("query failed: %v", err)
	}
	return true, "connected: Snowflake " + version
}

// Fetch streams the query's result set row by row
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	if s.db == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "not connected")
	}

	rows, err := s.db.QueryContext(ctx, s.creds.Get("query", ""))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "query failed")
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read columns")
	}

	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)
		defer rows.Close()

		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}

		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				s.logger.Warn("skipping unreadable row", zap.Error(err))
				continue
			}

			data := make(map[string]interface{}, len(cols))
			for i, col := range cols {
				v := values[i]
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				data[col] = v
			}

			select {
			case records <- plugin.DataRecord{
				SourceID:   s.sourceID,
				SourceType: pluginType,
				Timestamp:  time.Now().UTC(),
				Data:       data,
			}:
			case <-ctx.Done():
				return
			}
		}

		if err := rows.Err(); err != nil {
			errs <- errors.Wrap(err, errors.ErrorTypeConnection, "row iteration failed")
		}
	}()

	return plugin.NewStream(records, errs), nil
}
