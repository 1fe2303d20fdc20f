// Package renewal drives the automated browser login flow that turns
// an expired session into a fresh credential bundle.
package renewal

import (
	"context"
	"strings"
)

// PageKind classifies what the browser is currently showing.
type PageKind string

const (
	// KindUnknown covers interstitials and still-loading pages.
	KindUnknown PageKind = "unknown"
	// KindLogin is an identity-provider login form.
	KindLogin PageKind = "login"
	// KindVerification is the email verification challenge.
	KindVerification PageKind = "verification"
	// KindTarget is the authenticated home area.
	KindTarget PageKind = "target"
)

const verificationHost = "accountverification.business.gemini.google"

var loginHosts = []string{
	"auth.business.gemini.google",
	"accounts.google.com",
}

// Paths under the main host that are onboarding flows, not the home
// area.
var intermediatePaths = []string{"/admin/create", "/admin/setup"}

// Classify maps a browser URL onto a PageKind. The verification host
// wins over the generic login hosts because it is the more specific
// signal.
func Classify(url string) PageKind {
	if url == "" {
		return KindUnknown
	}
	if strings.Contains(url, verificationHost) {
		return KindVerification
	}
	for _, host := range loginHosts {
		if strings.Contains(url, host) {
			return KindLogin
		}
	}
	if isTargetPage(url) {
		return KindTarget
	}
	return KindUnknown
}

func isTargetPage(url string) bool {
	if !strings.Contains(url, "business.gemini.google") {
		return false
	}
	for _, path := range intermediatePaths {
		if strings.Contains(url, path) {
			return false
		}
	}
	return strings.Contains(url, "/home/")
}

// SessionIndexFromURL extracts the csesidx query value, or "".
func SessionIndexFromURL(url string) string {
	_, after, ok := strings.Cut(url, "csesidx=")
	if !ok {
		return ""
	}
	for _, sep := range []string{"&", "#"} {
		after, _, _ = strings.Cut(after, sep)
	}
	return after
}

// GroupIDFromURL extracts the routing identifier from a /cid/<id>/
// path segment, or "".
func GroupIDFromURL(url string) string {
	_, after, ok := strings.Cut(url, "/cid/")
	if !ok {
		return ""
	}
	for _, sep := range []string{"/", "?", "#"} {
		after, _, _ = strings.Cut(after, sep)
	}
	return strings.TrimSpace(after)
}

// Cookie is a captured browser cookie.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// PageSource abstracts the browser so the workflow can be driven by a
// fake in tests. Implementations are not safe for concurrent use; the
// workflow is the only driver.
type PageSource interface {
	// Navigate loads the URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error
	// CurrentURL reports where navigation ended up.
	CurrentURL(ctx context.Context) (string, error)
	// SubmitText types into the focused input and submits the form.
	SubmitText(ctx context.Context, text string) error
	// Cookies returns the browser's current cookie jar.
	Cookies(ctx context.Context) ([]Cookie, error)
	// Close releases the browser.
	Close(ctx context.Context) error
}

// CookieHeader serializes captured cookies into a Cookie header value.
func CookieHeader(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
