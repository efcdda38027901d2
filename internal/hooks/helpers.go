package hooks

import (
	"context"
	"encoding/base64"
	"net/http"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/session"
)

func setHeader(event *Event, key, value string) {
	event.Headers.Set(key, value)
	if event.Request != nil {
		event.Request.Header.Set(key, value)
	}
}

// BearerToken sets an Authorization header carrying token.
func BearerToken(token string) Func {
	return func(_ context.Context, event *Event) error {
		setHeader(event, "Authorization", "Bearer "+token)
		return nil
	}
}

func BasicAuth(username, password string) Func {
	encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return func(_ context.Context, event *Event) error {
		setHeader(event, "Authorization", "Basic "+encoded)
		return nil
	}
}

// StaticHeaders sets fixed headers, replacing existing values.
func StaticHeaders(headers map[string]string) Func {
	fixed := make(http.Header, len(headers))
	for k, v := range headers {
		fixed.Set(k, v)
	}
	return func(_ context.Context, event *Event) error {
		for k, v := range fixed {
			setHeader(event, k, v[0])
		}
		return nil
	}
}

// StaticCookies merges fixed cookies into the event. On requests they are attached to the outgoing request
// unless it already carries a cookie of the same name. Cookies expired according to clock are dropped.
func StaticCookies(cookies []session.Cookie, clock chrono.API) Func {
	assert.NotNil(clock)
	fixed := append([]session.Cookie(nil), cookies...)
	return func(_ context.Context, event *Event) error {
		event.Cookies = session.MergeCookies(event.Cookies, fixed, clock.Now())
		return nil
	}
}
