package interpolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-runner/internal/common/errors"
	"report-runner/internal/secrets"
)

func TestPlaceholders(t *testing.T) {
	names := Placeholders("${base_url}/users?status=${status}&limit=${status}")
	assert.Equal(t, []string{"base_url", "status"}, names)

	assert.Empty(t, Placeholders("no placeholders here"))
}

func TestResolve_ParametersAndSecrets(t *testing.T) {
	store := secrets.StaticStore{"api_key": "s3cret-value"}
	params := map[string]interface{}{"status": "ACTIVE", "base": "https://api.example.com"}

	resolved, err := Resolve("${base}/users?status=${status}&key=${api_key}", params, store)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/users?status=ACTIVE&key=s3cret-value", resolved.Value)
	assert.Equal(t, "https://api.example.com/users?status=ACTIVE&key=[secret:api_key]", resolved.Redacted)
	assert.NotContains(t, resolved.Redacted, "s3cret-value")
}

func TestResolve_UnresolvedPlaceholder(t *testing.T) {
	_, err := Resolve("${missing}", nil, secrets.StaticStore{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.Contains(t, err.Error(), "missing")
}

func TestResolve_AmbiguousPlaceholder(t *testing.T) {
	store := secrets.StaticStore{"token": "from-secrets"}
	params := map[string]interface{}{"token": "from-params"}

	_, err := Resolve("Bearer ${token}", params, store)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestResolve_NoMarkerSurvives(t *testing.T) {
	store := secrets.StaticStore{"key": "k"}
	params := map[string]interface{}{"a": 1, "b": "two"}

	resolved, err := Resolve("${a}/${b}/${key}", params, store)
	require.NoError(t, err)
	assert.NotContains(t, resolved.Value, "${")
	assert.NotContains(t, resolved.Redacted, "${")
	assert.Equal(t, "1/two/k", resolved.Value)
}

func TestResolveValue_TypedSinglePlaceholder(t *testing.T) {
	params := map[string]interface{}{"limit": 25, "active": true}

	real, _, err := ResolveValue(map[string]interface{}{
		"limit":  "${limit}",
		"active": "${active}",
		"note":   "limit=${limit}",
	}, params, secrets.StaticStore{})
	require.NoError(t, err)

	m := real.(map[string]interface{})
	assert.Equal(t, 25, m["limit"])
	assert.Equal(t, true, m["active"])
	assert.Equal(t, "limit=25", m["note"])
}

func TestResolveValue_NestedRedaction(t *testing.T) {
	store := secrets.StaticStore{"client_secret": "ssshhh"}

	real, redacted, err := ResolveValue(map[string]interface{}{
		"auth": map[string]interface{}{
			"client_secret": "${client_secret}",
		},
		"fields": []interface{}{"${name}"},
	}, map[string]interface{}{"name": "Q3 Report"}, store)
	require.NoError(t, err)

	realMap := real.(map[string]interface{})
	assert.Equal(t, "ssshhh", realMap["auth"].(map[string]interface{})["client_secret"])

	redMap := redacted.(map[string]interface{})
	assert.Equal(t, "[secret:client_secret]", redMap["auth"].(map[string]interface{})["client_secret"])
	assert.Equal(t, "Q3 Report", redMap["fields"].([]interface{})[0])
}

func TestResolveValue_LiteralsPassThrough(t *testing.T) {
	real, redacted, err := ResolveValue(map[string]interface{}{
		"count":  3,
		"nested": map[string]interface{}{"flag": false},
	}, nil, secrets.StaticStore{})
	require.NoError(t, err)

	assert.Equal(t, 3, real.(map[string]interface{})["count"])
	assert.Equal(t, false, redacted.(map[string]interface{})["nested"].(map[string]interface{})["flag"])
}
