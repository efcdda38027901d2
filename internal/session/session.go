package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState is the browser-side storage kept for one origin.
type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// StorageState is the serialized form of everything that makes a browser context authenticated. Its JSON
// form can be handed to a browser as a storage state file.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Session is a persisted browsing identity. It is owned by whoever created or restored it until it is
// released, and it can only be changed through the Manager. A Session is not safe for concurrent use.
type Session struct {
	id            string
	dir           string
	label         string
	cookies       []Cookie
	origins       []OriginState
	createdAt     time.Time
	lastUsedAt    time.Time
	authenticated bool

	leaseToken string
	released   bool
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Dir() string           { return s.dir }
func (s *Session) Label() string         { return s.label }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }
func (s *Session) LastUsedAt() time.Time { return s.lastUsedAt }
func (s *Session) Authenticated() bool   { return s.authenticated }

// Cookies returns a copy of the session's cookie set.
func (s *Session) Cookies() []Cookie {
	out := make([]Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out
}

// StorageState returns a copy of the session's storage state.
func (s *Session) StorageState() StorageState {
	origins := make([]OriginState, len(s.origins))
	for i, o := range s.origins {
		origins[i] = OriginState{
			Origin:       o.Origin,
			LocalStorage: append([]NameValue(nil), o.LocalStorage...),
		}
	}
	return StorageState{Cookies: s.Cookies(), Origins: origins}
}

// Jar builds a cookie jar holding the session's cookies, for plain HTTP clients.
func (s *Session) Jar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	for _, c := range s.cookies {
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{
			Scheme: scheme,
			Host:   strings.TrimPrefix(c.Domain, "."),
			Path:   path,
		}
		jar.SetCookies(u, []*http.Cookie{c.HTTP()})
	}
	return jar, nil
}
