package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/api"
)

func authRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestTokenAuthenticator(t *testing.T) {
	t.Parallel()

	auth, err := api.NewTokenAuthenticator("alice:tok-a, bob:tok-b")
	require.NoError(t, err)

	identity, err := auth.Authenticate(authRequest("tok-a"))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	identity, err = auth.Authenticate(authRequest("tok-b"))
	require.NoError(t, err)
	assert.Equal(t, "bob", identity)

	_, err = auth.Authenticate(authRequest("wrong"))
	assert.ErrorIs(t, err, api.ErrBadToken)

	_, err = auth.Authenticate(authRequest(""))
	assert.ErrorIs(t, err, api.ErrBadToken)

	// Basic scheme is not accepted.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = auth.Authenticate(r)
	assert.ErrorIs(t, err, api.ErrBadToken)
}

func TestNewTokenAuthenticatorValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		pairs string
	}{
		{"empty", ""},
		{"missing token", "alice"},
		{"empty identity", ":tok"},
		{"empty token", "alice:"},
		{"duplicate token", "alice:tok,bob:tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := api.NewTokenAuthenticator(tt.pairs)
			assert.Error(t, err)
		})
	}
}

func TestSingleUserAuthenticator(t *testing.T) {
	t.Parallel()

	identity, err := api.SingleUserAuthenticator{}.Authenticate(authRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "local", identity)

	identity, err = api.SingleUserAuthenticator{Identity: "ops"}.Authenticate(authRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "ops", identity)
}
