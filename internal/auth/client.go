package auth

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/config"
)

// TokenProvider is the slice of the token cache the transport needs.
type TokenProvider interface {
	Token(ctx context.Context, bundle *config.CredentialBundle) (Token, error)
	Invalidate(ctx context.Context, bundle *config.CredentialBundle)
}

// TokenTransport injects a bearer token into outgoing API requests.
// On a 401 it invalidates the cached token and retries exactly once;
// a second 401 is returned to the caller so a dead session surfaces
// instead of being masked by silent retries.
type TokenTransport struct {
	// Base performs the actual request. Nil means
	// http.DefaultTransport.
	Base http.RoundTripper
	// Tokens supplies and invalidates cached tokens.
	Tokens TokenProvider
	// Bundle returns the current credential bundle at call time.
	Bundle func() *config.CredentialBundle
}

func (t *TokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	bundle := t.Bundle()

	token, err := t.Tokens.Token(req.Context(), bundle)
	if err != nil {
		return nil, err
	}
	resp, err := base.RoundTrip(withBearer(req, token.Value))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if req.Body != nil && req.GetBody == nil {
		// the body is spent and cannot be replayed
		return resp, nil
	}
	_ = resp.Body.Close()

	log.Debug("api call got 401, retrying once with a fresh token")
	t.Tokens.Invalidate(req.Context(), bundle)
	token, err = t.Tokens.Token(req.Context(), bundle)
	if err != nil {
		return nil, err
	}
	retry := req
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, bodyErr
		}
		retry = req.Clone(req.Context())
		retry.Body = body
	}
	return base.RoundTrip(withBearer(retry, token.Value))
}

func withBearer(req *http.Request, token string) *http.Request {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return clone
}
