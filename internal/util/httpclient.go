// Package util holds small helpers shared across packages: HTTP client
// construction and log redaction.
package util

import (
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// SetProxy configures the client transport to use the given proxy URL
// (http, https or socks5 scheme). An empty or invalid URL leaves the
// client untouched.
func SetProxy(proxyURL string, client *http.Client) *http.Client {
	if proxyURL == "" {
		return client
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid proxy url")
		return client
	}
	transport := &http.Transport{Proxy: http.ProxyURL(parsed)}
	client.Transport = transport
	return client
}

// NewHTTPClient builds the client used for auth-host requests. Redirects
// are not followed automatically; the exchange client inspects them.
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return SetProxy(proxyURL, client)
}
