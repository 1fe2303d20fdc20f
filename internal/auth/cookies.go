package auth

import (
	"net/http"
	"strings"
)

// Cookie is one name/value pair from a Cookie header. Order is
// preserved because the auth host is sensitive to it.
type Cookie struct {
	Name  string
	Value string
}

// CookieSet is an ordered cookie collection with last-write-wins
// semantics on merge.
type CookieSet struct {
	cookies []Cookie
}

// ParseCookieHeader splits a raw Cookie header into a CookieSet.
// Malformed fragments without '=' are dropped.
func ParseCookieHeader(raw string) *CookieSet {
	set := &CookieSet{}
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		set.Set(name, value)
	}
	return set
}

// Set adds or replaces a cookie, keeping its original position on
// replace.
func (s *CookieSet) Set(name, value string) {
	for i := range s.cookies {
		if s.cookies[i].Name == name {
			s.cookies[i].Value = value
			return
		}
	}
	s.cookies = append(s.cookies, Cookie{Name: name, Value: value})
}

// Get returns the value for name, with ok reporting presence.
func (s *CookieSet) Get(name string) (string, bool) {
	for i := range s.cookies {
		if s.cookies[i].Name == name {
			return s.cookies[i].Value, true
		}
	}
	return "", false
}

// Len returns the number of cookies in the set.
func (s *CookieSet) Len() int {
	return len(s.cookies)
}

// All returns the cookies in order.
func (s *CookieSet) All() []Cookie {
	out := make([]Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out
}

// Header serializes the set back into a Cookie header value.
func (s *CookieSet) Header() string {
	parts := make([]string, 0, len(s.cookies))
	for _, c := range s.cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Clone returns an independent copy of the set.
func (s *CookieSet) Clone() *CookieSet {
	out := &CookieSet{cookies: make([]Cookie, len(s.cookies))}
	copy(out.cookies, s.cookies)
	return out
}

// Only returns a copy of the set containing just the named cookies,
// in the order given, skipping absent names.
func (s *CookieSet) Only(names ...string) *CookieSet {
	out := &CookieSet{}
	for _, n := range names {
		if v, ok := s.Get(n); ok {
			out.Set(n, v)
		}
	}
	return out
}

// WithoutNames returns a copy of the set with the named cookies
// removed. Used for the minimal-cookie first attempt.
func (s *CookieSet) WithoutNames(names ...string) *CookieSet {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := &CookieSet{}
	for _, c := range s.cookies {
		if !drop[c.Name] {
			out.cookies = append(out.cookies, c)
		}
	}
	return out
}

// MergeSetCookies folds Set-Cookie values from a response into the
// set. Values the server expires (empty or "deleted") are removed.
func (s *CookieSet) MergeSetCookies(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.Name == "" {
			continue
		}
		if c.Value == "" || c.Value == "deleted" || c.MaxAge < 0 {
			s.delete(c.Name)
			continue
		}
		s.Set(c.Name, c.Value)
	}
}

func (s *CookieSet) delete(name string) {
	for i := range s.cookies {
		if s.cookies[i].Name == name {
			s.cookies = append(s.cookies[:i], s.cookies[i+1:]...)
			return
		}
	}
}
