package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFromSecret(t *testing.T) {
	payload := map[string]any{
		"credentials_json": `{"type":"service_account","project_id":"mirror"}`,
		"rotated_at":       "2025-04-01",
	}

	key, err := keyFromSecret(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"service_account","project_id":"mirror"}`, string(key))
}

func TestKeyFromSecretMissingField(t *testing.T) {
	_, err := keyFromSecret(map[string]any{"something_else": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials_json")
}
