// Package plugin defines the contract every data source adapter implements.
//
// An adapter translates one external origin (a file, a database, an API, a
// message broker) into a stream of DataRecords. The engine only ever holds
// adapters through the Source interface and instantiates them through
// factories registered in the registry.
package plugin

import (
	"context"
	"time"

	"github.com/relaymesh/relay-agent/pkg/errors"
)

// FieldType is the input widget type of a credential field
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypePassword FieldType = "password"
	FieldTypeNumber   FieldType = "number"
	FieldTypeSelect   FieldType = "select"
	FieldTypeCheckbox FieldType = "checkbox"
	FieldTypeFile     FieldType = "file"
	FieldTypeFolder   FieldType = "folder"
)

// Option is one choice of a select credential field
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// CredentialField declares one credential input of an adapter. The set of
// fields is static per plugin type and is used both to validate credentials
// and to render configuration forms.
type CredentialField struct {
	Name        string      `json:"name"`
	Label       string      `json:"label"`
	Type        FieldType   `json:"type"`
	Required    bool        `json:"required"`
	Default     string      `json:"default,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
	Help        string      `json:"help_text,omitempty"`
	Options     []Option    `json:"options,omitempty"`
}

// Credentials holds the opaque credential values of one source instance
type Credentials map[string]string

// Get returns the value for key, or the fallback when absent or empty
func (c Credentials) Get(key, fallback string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return fallback
}

// ValidateCredentials checks that every required field is present and
// non-empty. Adapters with stricter needs validate further in Connect.
func ValidateCredentials(fields []CredentialField, creds Credentials) error {
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if v, ok := creds[f.Name]; !ok || v == "" {
			return errors.Newf(errors.ErrorTypeValidation, "missing required field: %s", f.Label)
		}
	}
	return nil
}

// DataRecord is one immutable unit of harvested data
type DataRecord struct {
	SourceID   string                 `json:"source_id"`
	SourceType string                 `json:"source_type"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Stream is the finite, non-restartable record sequence produced by one
// Fetch call. Records is closed when the fetch is exhausted; a systemic
// failure is reported on Errors before both channels close. Single bad
// items are skipped by the adapter, not reported here.
type Stream struct {
	Records <-chan DataRecord
	Errors  <-chan error
}

// Metadata is the static presentation tuple of a plugin type
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// Source is the interface every data source adapter implements
type Source interface {
	// Metadata returns the static plugin metadata
	Metadata() Metadata

	// Connect establishes the connection to the origin
	Connect(ctx context.Context) error

	// Disconnect releases the connection; safe to call when not connected
	Disconnect(ctx context.Context) error

	// TestConnection performs a lightweight round-trip without changing
	// adapter state. The message is user-facing either way.
	TestConnection(ctx context.Context) (bool, string)

	// Fetch produces the records of one sync tick. Each call returns a
	// fresh stream; the caller drains it fully.
	Fetch(ctx context.Context) (*Stream, error)

	// Connected reports whether the adapter currently holds a live connection
	Connected() bool
}

// Factory creates an adapter instance bound to one configured source
type Factory func(sourceID string, creds Credentials) Source

// Descriptor bundles everything the registry knows about a plugin type
type Descriptor struct {
	Metadata         Metadata
	CredentialFields []CredentialField
	New              Factory
}

// NewStream builds a Stream from caller-owned channels
func NewStream(records <-chan DataRecord, errs <-chan error) *Stream {
	return &Stream{Records: records, Errors: errs}
}
