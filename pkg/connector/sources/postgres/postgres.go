// Package postgres harvests rows from a PostgreSQL query.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const pluginType = "postgres"

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "PostgreSQL",
			Description: "Runs a SQL query against a PostgreSQL database",
			Icon:        "database",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "host", Label: "Host", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "localhost"},
			{Name: "port", Label: "Port", Type: plugin.FieldTypeNumber, Default: "5432"},
			{Name: "database", Label: "Database", Type: plugin.FieldTypeText, Required: true},
			{Name: "user", Label: "User", Type: plugin.FieldTypeText, Required: true},
			{Name: "password", Label: "Password", Type: plugin.FieldTypePassword},
			{Name: "sslmode", Label: "SSL Mode", Type: plugin.FieldTypeSelect, Default: "prefer",
				Options: []plugin.Option{
					{Value: "disable", Label: "Disable"},
					{Value: "prefer", Label: "Prefer"},
					{Value: "require", Label: "Require"},
				}},
			{Name: "query", Label: "Query", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "SELECT * FROM events"},
		},
		New: New,
	})
}

// Source runs one query per sync tick against a pooled connection
type Source struct {
	sourceID string
	creds    plugin.Credentials
	pool     *pgxpool.Pool
	logger   *zap.Logger
}

// New creates a PostgreSQL source
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
	return plugin.Metadata{ID: pluginType, Name: "PostgreSQL",
		Description: "Runs a SQL query against a PostgreSQL database", Icon: "database"}
}

func (s *Source) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		s.creds.Get("user", "postgres"),
		s.creds.Get("password", ""),
		s.creds.Get("host", "localhost"),
		s.creds.Get("port", "5432"),
		s.creds.Get("database", ""),
		s.creds.Get("sslmode", "prefer"))
}

func (s *Source) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(s.dsn())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid PostgreSQL configuration")
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach PostgreSQL")
	}
	s.pool = pool
	return nil
}

func (s *Source) Disconnect(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *Source) Connected() bool {
	return s.pool != nil
}

func (s *Source) TestConnection(ctx context.Context) (bool, string) {
	cfg, err := pgxpool.ParseConfig(s.dsn())
	if err != nil {
		return false, fmt.Sprintf("invalid configuration: %v", err)
	}
	cfg.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return false, fmt.Sprintf("connection failed: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return false, fmt.Sprintf("ping failed: %v", err)
	}

	var version string
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return false, fmt.Sprintf("query failed: %v", err)
	}
	return true, "connected: " + version
}

// Fetch streams the query's result set row by row
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	if s.pool == nil {
		return nil, errors.New(errors.ErrorTypeConnection, "not connected")
	}

	rows, err := s.pool.Query(ctx, s.creds.Get("query", ""))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "query failed")
	}

	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)
		defer rows.Close()

		fields := rows.FieldDescriptions()
		cols := make([]string, len(fields))
		for i, f := range fields {
			cols[i] = f.Name
		}

		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				s.logger.Warn("skipping unreadable row", zap.Error(err))
				continue
			}

			data := make(map[string]interface{}, len(cols))
			for i, col := range cols {
				data[col] = values[i]
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
