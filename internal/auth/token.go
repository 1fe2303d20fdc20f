// Package auth derives short-lived access tokens from Gemini Business
// browser sessions: the signing-key exchange, the local JWT synthesis
// and the session validity probe.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/biz-gemini/sessiond/internal/errors"
)

// Claim constants of the synthesized token.
const (
	tokenIssuer   = "https://business.gemini.google"
	tokenAudience = "https://biz-discoveryengine.googleapis.com"

	// TokenLifetime is the validity window baked into each token.
	TokenLifetime = 300 * time.Second
)

// Token is a synthesized bearer token with its absolute expiry.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining returns the lifetime left at the given instant.
func (t Token) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// SigningMaterial is the output of the key exchange: the key id goes
// into the token header, the key signs it.
type SigningMaterial struct {
	KeyID string
	Key   []byte
}

// kqEncode reproduces the web client's byte packing: code points above
// 255 emit low byte then high byte, everything else a single byte.
// For ASCII input this matches UTF-8, which is why the tokens verify.
func kqEncode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 255 {
			out = append(out, byte(r&0xff), byte(r>>8))
		} else {
			out = append(out, byte(r))
		}
	}
	return out
}

// DecodeSigningKey turns the exchanged XSRF token into HMAC key bytes.
// The server strips base64 padding, so it is restored before decoding.
func DecodeSigningKey(xsrfToken string) ([]byte, error) {
	if xsrfToken == "" {
		return nil, apperrors.TokenExchangeFailure("empty xsrf token", nil)
	}
	if pad := len(xsrfToken) % 4; pad != 0 {
		xsrfToken += string([]byte{'=', '=', '='}[:4-pad])
	}
	key, err := base64.URLEncoding.DecodeString(xsrfToken)
	if err != nil {
		return nil, apperrors.TokenExchangeFailure("xsrf token is not valid base64", err)
	}
	return key, nil
}

// Synthesizer mints tokens locally from exchanged signing material.
// The zero value is usable; Now is overridable for tests.
type Synthesizer struct {
	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type tokenPayload struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// Synthesize builds and signs a token for the session index using the
// exchanged material. No network traffic is involved.
func (s *Synthesizer) Synthesize(material SigningMaterial, sessionIndex string) (Token, error) {
	if sessionIndex == "" {
		return Token{}, apperrors.MissingCredentials("csesidx")
	}
	if len(material.Key) == 0 {
		return Token{}, apperrors.TokenExchangeFailure("empty signing key", nil)
	}

	nowFn := s.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn().Unix()

	header, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT", Kid: material.KeyID})
	if err != nil {
		return Token{}, fmt.Errorf("encode token header: %w", err)
	}
	payload, err := json.Marshal(tokenPayload{
		Iss: tokenIssuer,
		Aud: tokenAudience,
		Sub: "csesidx/" + sessionIndex,
		Iat: now,
		Exp: now + int64(TokenLifetime/time.Second),
		Nbf: now,
	})
	if err != nil {
		return Token{}, fmt.Errorf("encode token payload: %w", err)
	}

	b64 := base64.RawURLEncoding
	message := b64.EncodeToString(kqEncode(string(header))) + "." + b64.EncodeToString(kqEncode(string(payload)))

	mac := hmac.New(sha256.New, material.Key)
	mac.Write([]byte(message))
	signature := b64.EncodeToString(mac.Sum(nil))

	return Token{
		Value:     message + "." + signature,
		ExpiresAt: time.Unix(now, 0).Add(TokenLifetime),
	}, nil
}
