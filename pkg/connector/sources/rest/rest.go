// Package rest harvests JSON payloads from an HTTP endpoint. Authentication
// is either a static bearer token or an OAuth2 client-credentials grant.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/plugin"
	"github.com/relaymesh/relay-agent/pkg/plugin/registry"
)

const (
	pluginType     = "rest"
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
)

func init() {
	registry.Register(plugin.Descriptor{
		Metadata: plugin.Metadata{
			ID:          pluginType,
			Name:        "REST API",
			Description: "Polls a JSON HTTP endpoint",
			Icon:        "globe",
		},
		CredentialFields: []plugin.CredentialField{
			{Name: "url", Label: "Endpoint URL", Type: plugin.FieldTypeText, Required: true,
				Placeholder: "https://api.example.com/v1/items"},
			{Name: "auth_mode", Label: "Authentication", Type: plugin.FieldTypeSelect,
				Default: "none", Options: []plugin.Option{
					{Value: "none", Label: "None"},
					{Value: "bearer", Label: "Bearer Token"},
					{Value: "oauth2", Label: "OAuth2 Client Credentials"},
				}},
			{Name: "token", Label: "Bearer Token", Type: plugin.FieldTypePassword},
			{Name: "client_id", Label: "OAuth2 Client ID", Type: plugin.FieldTypeText},
			{Name: "client_secret", Label: "OAuth2 Client Secret", Type: plugin.FieldTypePassword},
			{Name: "token_url", Label: "OAuth2 Token URL", Type: plugin.FieldTypeText},
			{Name: "items_path", Label: "Items Field", Type: plugin.FieldTypeText,
				Help: "Top-level field holding the item array; empty treats the body as the array"},
		},
		New: New,
	})
}

// Source polls one HTTP endpoint per sync tick
type Source struct {
	sourceID  string
	creds     plugin.Credentials
	client    *http.Client
	logger    *zap.Logger
	connected bool
}

// New creates a REST source
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
	return plugin.Metadata{ID: pluginType, Name: "REST API",
		Description: "Polls a JSON HTTP endpoint", Icon: "globe"}
}

// buildClient constructs the HTTP client for the configured auth mode. The
// oauth2 transport caches and refreshes tokens across ticks.
func (s *Source) buildClient(ctx context.Context) *http.Client {
	if s.creds.Get("auth_mode", "none") == "oauth2" {
		cfg := clientcredentials.Config{
			ClientID:     s.creds.Get("client_id", ""),
			ClientSecret: s.creds.Get("client_secret", ""),
			TokenURL:     s.creds.Get("token_url", ""),
		}
		c := cfg.Client(context.WithValue(ctx, oauth2.HTTPClient,
			&http.Client{Timeout: requestTimeout}))
		c.Timeout = requestTimeout
		return c
	}
	return &http.Client{Timeout: requestTimeout}
}

func (s *Source) Connect(ctx context.Context) error {
	s.client = s.buildClient(context.WithoutCancel(ctx))
	s.connected = true
	return nil
}

func (s *Source) Disconnect(_ context.Context) error {
	if s.client != nil {
		s.client.CloseIdleConnections()
		s.client = nil
	}
	s.connected = false
	return nil
}

func (s *Source) Connected() bool {
	return s.connected
}

func (s *Source) TestConnection(ctx context.Context) (bool, string) {
	client := s.buildClient(ctx)
	defer client.CloseIdleConnections()

	resp, err := s.get(ctx, client)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= 400 {
		return false, fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return true, fmt.Sprintf("endpoint reachable (HTTP %d)", resp.StatusCode)
}

func (s *Source) get(ctx context.Context, client *http.Client) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.creds.Get("url", ""), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.creds.Get("auth_mode", "none") == "bearer" {
		req.Header.Set("Authorization", "Bearer "+s.creds.Get("token", ""))
	}
	return client.Do(req)
}

// Fetch performs one GET and streams each item of the response array
func (s *Source) Fetch(ctx context.Context) (*plugin.Stream, error) {
	client := s.client
	if client == nil {
		client = s.buildClient(ctx)
	}

	resp, err := s.get(ctx, client)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "HTTP request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, errors.Newf(errors.ErrorTypeConnection, "endpoint returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
	}

	items, err := s.extractItems(body)
	if err != nil {
		return nil, err
	}

	records := make(chan plugin.DataRecord, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		for i, item := range items {
			data, ok := item.(map[string]interface{})
			if !ok {
				data = map[string]interface{}{"value": item}
			}
			select {
			case records <- plugin.DataRecord{
				SourceID:   s.sourceID,
				SourceType: pluginType,
				Timestamp:  time.Now().UTC(),
				Data:       data,
				Metadata:   map[string]interface{}{"index": i, "status": resp.StatusCode},
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return plugin.NewStream(records, errs), nil
}

// extractItems interprets the response body as an array, or as an object
// whose items_path field (or a single record) holds the payload
func (s *Source) extractItems(body []byte) ([]interface{}, error) {
	var arr []interface{}
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "response is not valid JSON")
	}

	if path := s.creds.Get("items_path", ""); path != "" {
		nested, ok := obj[path].([]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeData, "field %q is not an array", path)
		}
		return nested, nil
	}
	return []interface{}{obj}, nil
}
