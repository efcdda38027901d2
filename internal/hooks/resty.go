package hooks

import (
	"net/http"
	"time"

	"authcrawl-backend/internal/session"

	"github.com/go-resty/resty/v2"
)

// InstrumentResty routes every request client sends through the OnRequest hooks and every response it receives
// through the OnResponse hooks. Headers and cookies added by OnRequest hooks are applied to the outgoing request,
// a failing hook aborts the request.
func InstrumentResty(client *resty.Client, d *Dispatcher, sessionID string) {
	client.SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
		event := &Event{
			SessionID: sessionID,
			URL:       req.URL.String(),
			Headers:   req.Header,
			Request:   req,
		}
		out, err := d.Invoke(req.Context(), OnRequest, event)
		if err != nil {
			return err
		}
		req.Header = out.Headers
		existing := map[string]bool{}
		for _, c := range req.Cookies() {
			existing[c.Name] = true
		}
		for _, c := range out.Cookies {
			if !existing[c.Name] {
				req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
			}
		}
		return nil
	})

	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		raw := res.RawResponse
		event := &Event{
			SessionID: sessionID,
			Headers:   res.Header(),
			Response:  raw,
			Cookies:   responseCookies(raw),
		}
		if raw != nil && raw.Request != nil {
			event.URL = raw.Request.URL.String()
			event.Request = raw.Request
		}
		_, err := d.Invoke(res.Request.Context(), OnResponse, event)
		return err
	})
}

func responseCookies(res *http.Response) []session.Cookie {
	if res == nil {
		return nil
	}
	host := ""
	if res.Request != nil {
		host = res.Request.URL.Hostname()
	}
	now := time.Now()
	var out []session.Cookie
	for _, c := range res.Cookies() {
		out = append(out, session.FromHTTP(c, host, now))
	}
	return out
}
