package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/config"
	apperrors "github.com/biz-gemini/sessiond/internal/errors"
)

const (
	getoxsrfPath = "/getoxsrf"

	// jsonGuardPrefix is the anti-JSON-hijacking marker the auth host
	// prepends to JSON bodies.
	jsonGuardPrefix = ")]}'"

	refreshCookiesMarker = "refreshcookies"

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Cookies the auth host actually needs. NID is deliberately absent
// from the first attempt: sending it tends to trigger a refreshcookies
// round trip.
var essentialCookieNames = []string{"__Secure-C_SES", "__Host-C_OSES"}

// Exchanger performs the signing-key exchange against the auth host.
type Exchanger struct {
	authHost string
	client   *http.Client

	// OnCookiesRefreshed is invoked with the merged Cookie header when
	// a refreshcookies redirect rotated cookies mid-exchange. Optional.
	OnCookiesRefreshed func(cookieHeader string)
}

// NewExchanger builds an Exchanger for the given auth host. The client
// must not follow redirects on its own.
func NewExchanger(authHost string, client *http.Client) *Exchanger {
	return &Exchanger{
		authHost: strings.TrimRight(authHost, "/"),
		client:   client,
	}
}

type oxsrfResponse struct {
	KeyID     string `json:"keyId"`
	XSRFToken string `json:"xsrfToken"`
}

// Exchange obtains signing material for the bundle's session. The
// minimal cookie variant is tried first; a still-redirecting response
// falls back to the full raw header.
func (e *Exchanger) Exchange(ctx context.Context, bundle *config.CredentialBundle) (SigningMaterial, error) {
	if bundle == nil || bundle.CookieRaw == "" {
		return SigningMaterial{}, apperrors.MissingCredentials("cookie_raw")
	}
	if bundle.SessionIndex == "" {
		return SigningMaterial{}, apperrors.MissingCredentials("csesidx")
	}

	full := ParseCookieHeader(bundle.CookieRaw)
	minimal := full.Only(essentialCookieNames...)

	cookies := minimal
	if cookies.Len() == 0 {
		cookies = full
	}

	resp, body, err := e.sendWithRefresh(ctx, bundle.SessionIndex, cookies)
	if err != nil {
		return SigningMaterial{}, err
	}

	if resp.StatusCode == http.StatusFound && cookies != full {
		log.Debug("minimal cookie exchange redirected, retrying with full header")
		resp, body, err = e.sendWithRefresh(ctx, bundle.SessionIndex, full)
		if err != nil {
			return SigningMaterial{}, err
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parse
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return SigningMaterial{}, apperrors.SessionExpired(
			fmt.Sprintf("auth host rejected session cookies (status %d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusFound:
		return SigningMaterial{}, apperrors.TokenExchangeFailure(
			"exchange kept redirecting after cookie refresh", nil)
	default:
		return SigningMaterial{}, apperrors.TokenExchangeFailure(
			fmt.Sprintf("unexpected exchange status %d", resp.StatusCode), nil)
	}

	var parsed oxsrfResponse
	if err = json.Unmarshal(StripJSONGuard(body), &parsed); err != nil {
		return SigningMaterial{}, apperrors.TokenExchangeFailure("malformed exchange response", err)
	}
	if parsed.KeyID == "" || parsed.XSRFToken == "" {
		return SigningMaterial{}, apperrors.TokenExchangeFailure("exchange response missing key material", nil)
	}
	key, err := DecodeSigningKey(parsed.XSRFToken)
	if err != nil {
		return SigningMaterial{}, err
	}
	return SigningMaterial{KeyID: parsed.KeyID, Key: key}, nil
}

// sendWithRefresh issues the exchange request, following a single
// refreshcookies redirect and retrying the original request once with
// the merged cookies.
func (e *Exchanger) sendWithRefresh(ctx context.Context, sessionIndex string, cookies *CookieSet) (*http.Response, []byte, error) {
	cookies = cookies.Clone()
	target := e.authHost + getoxsrfPath + "?csesidx=" + url.QueryEscape(sessionIndex)

	resp, body, err := e.get(ctx, target, cookies.Header())
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode == http.StatusFound {
		location := resp.Header.Get("Location")
		if strings.Contains(strings.ToLower(location), refreshCookiesMarker) {
			refreshed := e.followCookieRefresh(ctx, resp, location, cookies)
			if refreshed {
				if e.OnCookiesRefreshed != nil {
					e.OnCookiesRefreshed(cookies.Header())
				}
				resp, body, err = e.get(ctx, target, cookies.Header())
				if err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return resp, body, nil
}

// followCookieRefresh walks the refreshcookies redirect chain (bounded)
// and merges every Set-Cookie into the working set. Returns true when
// at least one hop succeeded.
func (e *Exchanger) followCookieRefresh(ctx context.Context, from *http.Response, location string, cookies *CookieSet) bool {
	next, err := from.Request.URL.Parse(location)
	if err != nil {
		log.WithError(err).Warn("unparseable refreshcookies location")
		return false
	}
	ok := false
	for hop := 0; hop < 3 && next != nil; hop++ {
		resp, _, err := e.get(ctx, next.String(), cookies.Header())
		if err != nil {
			log.WithError(err).Warn("refreshcookies hop failed")
			return ok
		}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusFound, http.StatusSeeOther:
			cookies.MergeSetCookies(resp)
			ok = true
		default:
			log.WithField("status", resp.StatusCode).Warn("refreshcookies request failed")
			return ok
		}
		if loc := resp.Header.Get("Location"); loc != "" && (resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther) {
			next, err = resp.Request.URL.Parse(loc)
			if err != nil {
				return ok
			}
			continue
		}
		break
	}
	return ok
}

func (e *Exchanger) get(ctx context.Context, target, cookieHeader string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Origin", "https://business.gemini.google")
	req.Header.Set("Referer", "https://business.gemini.google/")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-site")
	req.Header.Set("Cookie", cookieHeader)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, apperrors.TokenExchangeFailure("exchange request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, apperrors.TokenExchangeFailure("read exchange response", err)
	}
	return resp, body, nil
}

// StripJSONGuard removes the auth host's anti-hijacking prefix and any
// leading whitespace before it.
func StripJSONGuard(body []byte) []byte {
	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	trimmed = strings.TrimPrefix(trimmed, jsonGuardPrefix)
	return []byte(strings.TrimLeft(trimmed, " \t\r\n"))
}

// Minter combines the exchange and the local synthesis into a single
// token mint.
type Minter struct {
	Exchanger *Exchanger
	Synth     Synthesizer
}

// Mint exchanges signing material and synthesizes a fresh token.
func (m *Minter) Mint(ctx context.Context, bundle *config.CredentialBundle) (Token, error) {
	material, err := m.Exchanger.Exchange(ctx, bundle)
	if err != nil {
		return Token{}, err
	}
	return m.Synth.Synthesize(material, bundle.SessionIndex)
}
