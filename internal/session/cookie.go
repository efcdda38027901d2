package session

import (
	"net/http"
	"strings"
	"time"
)

// Cookie follows the browser storage-state cookie layout. Expires is unix seconds, -1 (or 0) marks a
// session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

func (c Cookie) key() string {
	return strings.ToLower(strings.TrimPrefix(c.Domain, ".")) + "|" + c.Path + "|" + c.Name
}

// Expired reports whether the cookie has a real expiry that has passed.
func (c Cookie) Expired(now time.Time) bool {
	if c.Expires <= 0 {
		return false
	}
	return !now.Before(time.Unix(0, int64(c.Expires*float64(time.Second))))
}

// HTTP converts to a net/http cookie. Cookies whose domain starts with a dot are domain cookies, the
// rest are host only.
func (c Cookie) HTTP() *http.Cookie {
	out := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if strings.HasPrefix(c.Domain, ".") {
		out.Domain = c.Domain
	}
	if c.Expires > 0 {
		out.Expires = time.Unix(0, int64(c.Expires*float64(time.Second)))
	}
	switch strings.ToLower(c.SameSite) {
	case "strict":
		out.SameSite = http.SameSiteStrictMode
	case "lax":
		out.SameSite = http.SameSiteLaxMode
	case "none":
		out.SameSite = http.SameSiteNoneMode
	}
	return out
}

// FromHTTP converts a cookie received from host. Cookies without a Domain attribute are host only.
func FromHTTP(c *http.Cookie, host string, now time.Time) Cookie {
	out := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   host,
		Path:     c.Path,
		Expires:  -1,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if c.Domain != "" {
		out.Domain = "." + strings.TrimPrefix(c.Domain, ".")
	}
	if out.Path == "" {
		out.Path = "/"
	}
	switch {
	case c.MaxAge < 0:
		out.Expires = float64(now.Add(-time.Second).Unix())
	case c.MaxAge > 0:
		out.Expires = float64(now.Add(time.Duration(c.MaxAge) * time.Second).Unix())
	case !c.Expires.IsZero():
		out.Expires = float64(c.Expires.Unix())
	}
	switch c.SameSite {
	case http.SameSiteStrictMode:
		out.SameSite = "Strict"
	case http.SameSiteLaxMode:
		out.SameSite = "Lax"
	case http.SameSiteNoneMode:
		out.SameSite = "None"
	}
	return out
}

// PruneExpired drops expired cookies, returning the kept cookies and how many were dropped.
func PruneExpired(cookies []Cookie, now time.Time) ([]Cookie, int) {
	kept := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Expired(now) {
			continue
		}
		kept = append(kept, c)
	}
	return kept, len(cookies) - len(kept)
}

// MergeCookies overlays updates on base. Cookies are identified by domain, path and name, an expired update
// deletes the cookie it matches. The result keeps the order of first appearance.
func MergeCookies(base, updates []Cookie, now time.Time) []Cookie {
	index := map[string]int{}
	out := make([]Cookie, 0, len(base)+len(updates))
	for _, c := range append(append([]Cookie{}, base...), updates...) {
		k := c.key()
		if i, ok := index[k]; ok {
			out[i] = c
			continue
		}
		index[k] = len(out)
		out = append(out, c)
	}
	out, _ = PruneExpired(out, now)
	return out
}
