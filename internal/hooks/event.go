package hooks

import (
	"net/http"

	"authcrawl-backend/internal/session"
)

// Event is what a hook sees and may modify. Which fields are populated depends on the stage:
// ContextCreated carries the session's cookies, the navigation stages carry the url, OnRequest carries the
// outgoing request and OnResponse the received response.
type Event struct {
	Stage     Stage
	SessionID string
	URL       string
	Headers   http.Header
	Cookies   []session.Cookie
	Request   *http.Request
	Response  *http.Response
}

func (e *Event) clone() *Event {
	out := &Event{
		Stage:     e.Stage,
		SessionID: e.SessionID,
		URL:       e.URL,
		Headers:   e.Headers.Clone(),
		Cookies:   append([]session.Cookie(nil), e.Cookies...),
	}
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	if e.Request != nil {
		out.Request = e.Request.Clone(e.Request.Context())
	}
	if e.Response != nil {
		res := *e.Response
		res.Header = e.Response.Header.Clone()
		out.Response = &res
	}
	return out
}
