package login

import (
	"context"
	"net/http"

	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/hooks"
	"authcrawl-backend/internal/interpreter"
	"authcrawl-backend/internal/page/httppage"
	"authcrawl-backend/internal/session"
	"authcrawl-backend/pkg/htmlutil"
)

// Browser is a page the runner can prepare with a session's state, point somewhere and read the resulting
// state back from.
//
// note: fault injection point
type Browser interface {
	interpreter.Page
	Navigate(ctx context.Context, url string) error
	URL() string
	AddCookies(cookies []session.Cookie)
	SetExtraHeaders(headers http.Header)
	Cookies() []session.Cookie
	Text() (string, error)
	Links(ctx context.Context) ([]htmlutil.Anchor, error)
}

// BrowserFactory opens a fresh page for a session.
type BrowserFactory func(sessionID string) (Browser, error)

// HTTPBrowsers opens static HTML pages whose requests and responses go through the dispatcher's OnRequest and
// OnResponse hooks.
func HTTPBrowsers(dispatcher *hooks.Dispatcher, tel telemetry.API, opts ...httppage.Option) BrowserFactory {
	return func(sessionID string) (Browser, error) {
		page, err := httppage.New(append([]httppage.Option{httppage.WithTelemetry(tel)}, opts...)...)
		if err != nil {
			return nil, err
		}
		hooks.InstrumentResty(page.Client(), dispatcher, sessionID)
		return page, nil
	}
}
