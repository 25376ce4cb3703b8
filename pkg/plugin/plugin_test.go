package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay-agent/pkg/errors"
)

func TestCredentialsGet(t *testing.T) {
	creds := Credentials{"host": "db.local", "empty": ""}

	assert.Equal(t, "db.local", creds.Get("host", "fallback"))
	assert.Equal(t, "fallback", creds.Get("missing", "fallback"))
	assert.Equal(t, "fallback", creds.Get("empty", "fallback"), "empty values fall back")
}

func TestValidateCredentials(t *testing.T) {
	fields := []CredentialField{
		{Name: "host", Label: "Host", Type: FieldTypeText, Required: true},
		{Name: "password", Label: "Password", Type: FieldTypePassword, Required: true},
		{Name: "port", Label: "Port", Type: FieldTypeNumber},
	}

	t.Run("all required present", func(t *testing.T) {
		err := ValidateCredentials(fields, Credentials{"host": "a", "password": "b"})
		assert.NoError(t, err)
	})

	t.Run("missing required", func(t *testing.T) {
		err := ValidateCredentials(fields, Credentials{"host": "a"})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		assert.Contains(t, err.Error(), "Password")
	})

	t.Run("empty required counts as missing", func(t *testing.T) {
		err := ValidateCredentials(fields, Credentials{"host": "", "password": "b"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Host")
	})

	t.Run("optional fields may be absent", func(t *testing.T) {
		err := ValidateCredentials(fields, Credentials{"host": "a", "password": "b"})
		assert.NoError(t, err)
	})
}
