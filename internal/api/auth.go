package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrBadToken indicates a missing or unrecognized bearer token.
var ErrBadToken = errors.New("invalid bearer token")

// TokenAuthenticator authenticates requests by static bearer tokens.
// Each token maps to one opaque identity.
type TokenAuthenticator struct {
	identities map[string]string // token -> identity
}

// NewTokenAuthenticator parses comma-separated "identity:token" pairs.
func NewTokenAuthenticator(pairs string) (*TokenAuthenticator, error) {
	identities := make(map[string]string)
	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		identity, token, ok := strings.Cut(pair, ":")
		if !ok || identity == "" || token == "" {
			return nil, fmt.Errorf("malformed auth token pair %q, want identity:token", pair)
		}
		if _, dup := identities[token]; dup {
			return nil, fmt.Errorf("duplicate auth token for identity %q", identity)
		}
		identities[token] = identity
	}
	if len(identities) == 0 {
		return nil, errors.New("no auth token pairs configured")
	}
	return &TokenAuthenticator{identities: identities}, nil
}

// Authenticate implements Authenticator. Lookup is constant-time over the
// configured token set.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || presented == "" {
		return "", ErrBadToken
	}

	identity := ""
	found := 0
	for token, id := range a.identities {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			identity = id
			found = 1
		}
	}
	if found == 0 {
		return "", ErrBadToken
	}
	return identity, nil
}

// SingleUserAuthenticator maps every request to one fixed identity.
// It backs single-user deployments where no tokens are configured.
type SingleUserAuthenticator struct {
	Identity string
}

// Authenticate implements Authenticator.
func (a SingleUserAuthenticator) Authenticate(*http.Request) (string, error) {
	if a.Identity == "" {
		return "local", nil
	}
	return a.Identity, nil
}
