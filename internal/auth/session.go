package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/biz-gemini/sessiond/internal/config"
	apperrors "github.com/biz-gemini/sessiond/internal/errors"
)

const listSessionsPath = "/list-sessions"

// SessionState is the outcome of a validity check.
type SessionState string

const (
	// StateValid means the session is live and tokens can be minted.
	StateValid SessionState = "valid"
	// StateExpired means the session is dead and needs renewal.
	StateExpired SessionState = "expired"
	// StateIndeterminate means neither probe could decide; callers
	// should not trigger renewal on it.
	StateIndeterminate SessionState = "indeterminate"
)

// SessionStatus is the full result of a validity check.
type SessionStatus struct {
	State   SessionState `json:"state"`
	Message string       `json:"message,omitempty"`
	// Warning carries non-fatal oddities: cookie rejection with a
	// working key exchange, session index mismatch, multi-account.
	Warning string `json:"warning,omitempty"`
	// Account is the identity reported by the session listing.
	Account string `json:"account,omitempty"`
	// SignOutURL allows targeted sign-out of this session.
	SignOutURL string `json:"sign_out_url,omitempty"`
	// MultiAccount is set when the listing reported several sessions.
	MultiAccount bool `json:"multi_account,omitempty"`
	// CheckedVia names the probe that decided: list-sessions or
	// token-exchange.
	CheckedVia string `json:"checked_via,omitempty"`
}

// Valid reports whether tokens can be minted from this session.
func (s *SessionStatus) Valid() bool {
	return s != nil && s.State == StateValid
}

// Err maps a non-valid status to its typed error for callers that
// propagate an error value instead of inspecting the status. A valid
// status maps to nil.
func (s *SessionStatus) Err() error {
	switch {
	case s == nil:
		return apperrors.AmbiguousSessionState("no session status", nil)
	case s.State == StateExpired:
		return apperrors.SessionExpired(s.Message, nil)
	case s.State == StateIndeterminate:
		return apperrors.AmbiguousSessionState(s.Message, nil)
	default:
		return nil
	}
}

// Checker probes session liveness via the session listing endpoint,
// falling back to the key exchange when the listing is inconclusive.
type Checker struct {
	authHost  string
	client    *http.Client
	exchanger *Exchanger
}

// NewChecker builds a Checker sharing the exchanger's HTTP behavior.
func NewChecker(authHost string, client *http.Client, exchanger *Exchanger) *Checker {
	return &Checker{
		authHost:  strings.TrimRight(authHost, "/"),
		client:    client,
		exchanger: exchanger,
	}
}

// Check classifies the bundle's session. Expired and indeterminate
// outcomes are statuses, not errors; only unusable input errors.
func (c *Checker) Check(ctx context.Context, bundle *config.CredentialBundle) (*SessionStatus, error) {
	if bundle == nil || bundle.CookieRaw == "" {
		return nil, apperrors.MissingCredentials("cookie_raw")
	}
	if bundle.SessionIndex == "" {
		return nil, apperrors.MissingCredentials("csesidx")
	}

	target := c.authHost + listSessionsPath + "?csesidx=" + url.QueryEscape(bundle.SessionIndex) + "&rt=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build list-sessions request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Cookie", bundle.CookieRaw)

	resp, err := c.client.Do(req)
	if err != nil {
		return &SessionStatus{
			State:      StateExpired,
			Message:    fmt.Sprintf("session listing unreachable: %v", err),
			CheckedVia: "list-sessions",
		}, nil
	}
	defer resp.Body.Close()
	body := readBounded(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.classifyListing(bundle.SessionIndex, body), nil
	case resp.StatusCode == http.StatusUnauthorized:
		return c.classifyUnauthorized(ctx, bundle, body), nil
	default:
		return &SessionStatus{
			State:      StateExpired,
			Message:    fmt.Sprintf("session listing returned status %d", resp.StatusCode),
			CheckedVia: "list-sessions",
		}, nil
	}
}

// classifyListing applies the session-listing decision table to a 200
// response.
func (c *Checker) classifyListing(sessionIndex string, body []byte) *SessionStatus {
	parsed := gjson.ParseBytes(StripJSONGuard(body))
	sessions := parsed.Get("sessions")
	if !sessions.IsArray() {
		return &SessionStatus{
			State:      StateExpired,
			Message:    "session listing response had no sessions array",
			CheckedVia: "list-sessions",
		}
	}

	list := sessions.Array()
	if len(list) == 0 {
		return &SessionStatus{
			State:      StateExpired,
			Message:    "auth host reported no sessions",
			CheckedVia: "list-sessions",
		}
	}

	status := &SessionStatus{CheckedVia: "list-sessions", MultiAccount: len(list) > 1}
	if status.MultiAccount {
		status.Warning = fmt.Sprintf("%d sessions reported; multiple accounts may be signed in", len(list))
	}

	var chosen gjson.Result
	matched := false
	for _, s := range list {
		if s.Get("csesidx").String() == sessionIndex {
			chosen = s
			matched = true
			break
		}
	}
	if !matched {
		chosen = list[0]
		note := "stored session index not in listing; evaluated first session"
		if status.Warning != "" {
			status.Warning += "; " + note
		} else {
			status.Warning = note
		}
	}

	status.Account = firstNonEmpty(
		chosen.Get("username").String(),
		chosen.Get("subject").String(),
		chosen.Get("displayName").String(),
	)
	status.SignOutURL = chosen.Get("singleSessionSignoutUrl").String()

	if chosen.Get("expired").Bool() {
		status.State = StateExpired
		status.Message = "auth host marked the session expired"
		return status
	}
	status.State = StateValid
	return status
}

// classifyUnauthorized resolves a 401 through the key-exchange probe.
// A body complaining about invalid cookies is treated as a warning
// condition rather than an immediate failure.
func (c *Checker) classifyUnauthorized(ctx context.Context, bundle *config.CredentialBundle, body []byte) *SessionStatus {
	// The body shows up both as prose ("invalid cookies") and as a
	// status enum ("INVALID_COOKIES").
	lower := strings.ToLower(string(body))
	invalidCookies := strings.Contains(lower, "invalid cookies") || strings.Contains(lower, "invalid_cookies")

	_, exchangeErr := c.exchanger.Exchange(ctx, bundle)
	if exchangeErr == nil {
		status := &SessionStatus{State: StateValid, CheckedVia: "token-exchange"}
		if invalidCookies {
			status.Warning = "session listing rejected cookies but the key exchange still works"
		}
		return status
	}
	log.WithError(exchangeErr).Debug("key-exchange probe failed after 401 listing")

	if invalidCookies {
		return &SessionStatus{
			State:      StateIndeterminate,
			Warning:    "cookies rejected and key-exchange probe failed; state unclear",
			Message:    exchangeErr.Error(),
			CheckedVia: "token-exchange",
		}
	}
	return &SessionStatus{
		State:      StateExpired,
		Message:    "session listing and key exchange both rejected the session",
		CheckedVia: "token-exchange",
	}
}

func readBounded(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
