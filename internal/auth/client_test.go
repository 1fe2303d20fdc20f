package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biz-gemini/sessiond/internal/config"
)

type stubProvider struct {
	serial      int32
	invalidated int32
}

func (p *stubProvider) Token(context.Context, *config.CredentialBundle) (Token, error) {
	n := atomic.AddInt32(&p.serial, 1)
	return Token{Value: fmt.Sprintf("tok-%d", n), ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (p *stubProvider) Invalidate(context.Context, *config.CredentialBundle) {
	atomic.AddInt32(&p.invalidated, 1)
}

func transportFixture(t *testing.T, handler http.HandlerFunc) (*http.Client, *stubProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	provider := &stubProvider{}
	client := &http.Client{Transport: &TokenTransport{
		Tokens: provider,
		Bundle: func() *config.CredentialBundle { return testBundle() },
	}}
	return client, provider, srv
}

func TestTokenTransportInjectsBearer(t *testing.T) {
	var gotAuth string
	client, provider, srv := transportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	})

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Zero(t, atomic.LoadInt32(&provider.invalidated))
}

func TestTokenTransportRetriesOnceOn401(t *testing.T) {
	var attempts int32
	client, provider, srv := transportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
	})

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.invalidated))
}

func TestTokenTransportNeverRetriesTwice(t *testing.T) {
	var attempts int32
	client, provider, srv := transportFixture(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	// the second 401 surfaces; a dead session must not hide behind
	// silent retries
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.invalidated))
}
