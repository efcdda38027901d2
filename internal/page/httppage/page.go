// Package httppage drives static HTML pages over plain HTTP. It understands links and forms, which is enough
// for the many login pages that do not need JavaScript, and implements the interpreter's Page.
//
// A Page is not safe for concurrent use, like the browser page it stands in for.
package httppage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"authcrawl-backend/internal/components/assert"
	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/interpreter"
	"authcrawl-backend/internal/script"
	"authcrawl-backend/internal/session"
	"authcrawl-backend/pkg/htmlutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
)

var tracer = otel.Tracer("authcrawl.internal.page.httppage")

const (
	report_page_navigate = "page.navigate"
	report_page_submit   = "page.submit"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

var (
	ErrNoDocument = errors.New("no page has been loaded")
	ErrNoFocus    = errors.New("no editable element has focus")
)

type Page struct {
	http *resty.Client
	jar  *cookiejar.Jar
	tel  telemetry.API
	time chrono.API

	// every cookie the page has been given or received, the jar cannot be enumerated
	cookiesMu sync.Mutex
	cookies   []session.Cookie

	transport http.RoundTripper

	current *url.URL
	doc     *goquery.Document
	focused *goquery.Selection
	scrollY int
}

type Option func(p *Page)

func WithTelemetry(tel telemetry.API) Option {
	return func(p *Page) {
		assert.NotNil(tel)
		p.tel = tel
	}
}

func WithClock(clock chrono.API) Option {
	return func(p *Page) {
		assert.NotNil(clock)
		p.time = clock
	}
}

// WithTimeout bounds each request the page makes.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Page) {
		assert.Positive(timeout, "page timeout")
		p.http.SetTimeout(timeout)
	}
}

// WithTransport replaces the default transport, which mimics a browser's TLS fingerprint and headers.
func WithTransport(transport http.RoundTripper) Option {
	return func(p *Page) {
		assert.NotNil(transport)
		p.transport = transport
	}
}

func New(opts ...Option) (*Page, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	p := &Page{
		http: resty.New(),
		jar:  jar,
		tel:  telemetry.SlogAPI{},
		time: chrono.StandardImpl{},
	}
	p.http.SetCookieJar(jar)
	p.http.SetHeader("user-agent", userAgent)
	p.http.SetTimeout(30 * time.Second)
	p.http.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	for _, opt := range opts {
		opt(p)
	}
	if p.transport == nil {
		p.transport = cloudflarebp.AddCloudFlareByPass(p.http.GetClient().Transport)
	}
	p.http.GetClient().Transport = recordCookies{next: p.transport, page: p}
	p.tel = telemetry.NewScopedAPI("httppage", p.tel)
	telemetry.InstrumentResty(p.http, p.tel)
	return p, nil
}

// Client exposes the underlying client so request and response hooks can be attached to it.
func (p *Page) Client() *resty.Client {
	return p.http
}

// URL is the address of the currently loaded document, after redirects.
func (p *Page) URL() string {
	if p.current == nil {
		return ""
	}
	return p.current.String()
}

// SetExtraHeaders adds headers to every following request.
func (p *Page) SetExtraHeaders(headers http.Header) {
	for k, values := range headers {
		for _, v := range values {
			p.http.SetHeader(k, v)
		}
	}
}

// AddCookies makes cookies available to following requests.
func (p *Page) AddCookies(cookies []session.Cookie) {
	for _, c := range cookies {
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{Scheme: scheme, Host: trimDot(c.Domain), Path: path}
		p.jar.SetCookies(u, []*http.Cookie{c.HTTP()})
	}
	p.rememberCookies(cookies)
}

func (p *Page) rememberCookies(cookies []session.Cookie) {
	p.cookiesMu.Lock()
	defer p.cookiesMu.Unlock()
	p.cookies = session.MergeCookies(p.cookies, cookies, p.time.Now())
}

// Cookies returns every unexpired cookie the page holds, in the session cookie layout.
func (p *Page) Cookies() []session.Cookie {
	p.cookiesMu.Lock()
	defer p.cookiesMu.Unlock()
	p.cookies, _ = session.PruneExpired(p.cookies, p.time.Now())
	return append([]session.Cookie(nil), p.cookies...)
}

// Navigate loads a url, relative urls are resolved against the current document.
func (p *Page) Navigate(ctx context.Context, target string) error {
	ctx, span := tracer.Start(ctx, "httppage.Navigate")
	defer span.End()

	u, err := p.resolve(target)
	if err != nil {
		return p.fail(span, report_page_navigate, err)
	}
	span.SetAttributes(attribute.String("url", telemetry.RedactURL(u.String())))

	res, err := p.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u.String())
	if err != nil {
		return p.fail(span, report_page_navigate, err)
	}
	return p.load(span, res)
}

func (p *Page) resolve(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if p.current != nil {
		u = p.current.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("cannot navigate to relative url %q without a loaded page", target)
	}
	return u, nil
}

func (p *Page) load(span trace.Span, res *resty.Response) error {
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() >= 400 {
		return p.fail(span, report_page_navigate, fmt.Errorf("%s: %s", res.Request.URL, res.Status()))
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return p.fail(span, report_page_navigate, err)
	}
	p.doc = doc
	p.current = res.RawResponse.Request.URL
	p.doc.Url = p.current
	p.focused = nil
	p.scrollY = 0
	span.SetAttributes(attribute.Int("status", res.StatusCode()))
	return nil
}

// HTML returns the markup of the current document.
func (p *Page) HTML() (string, error) {
	if p.doc == nil {
		return "", ErrNoDocument
	}
	return goquery.OuterHtml(p.doc.Selection)
}

// Text returns the visible text of the current document.
func (p *Page) Text() (string, error) {
	if p.doc == nil {
		return "", ErrNoDocument
	}
	return htmlutil.VisibleText(p.doc), nil
}

// Links returns the absolute urls the current document links to.
func (p *Page) Links(ctx context.Context) ([]htmlutil.Anchor, error) {
	if p.doc == nil {
		return nil, ErrNoDocument
	}
	return htmlutil.GetAnchors(ctx, p.doc.Find("a[href]"), p.current), nil
}

func (p *Page) find(selector string) (*goquery.Selection, error) {
	if p.doc == nil {
		return nil, ErrNoDocument
	}
	sel := p.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", interpreter.ErrUnresolved, selector)
	}
	return sel, nil
}

func (p *Page) Exists(_ context.Context, selector string) (bool, error) {
	if p.doc == nil {
		return false, nil
	}
	return p.doc.Find(selector).Length() > 0, nil
}

// Click follows links, submits forms through their submit buttons and focuses form fields. Clicking anything
// else only moves the focus away.
func (p *Page) Click(ctx context.Context, selector string) error {
	sel, err := p.find(selector)
	if err != nil {
		return err
	}

	switch {
	case isSubmitter(sel):
		form := owningForm(p.doc, sel)
		if form == nil {
			p.focused = nil
			return nil
		}
		return p.submit(ctx, form, sel)
	case goquery.NodeName(sel) == "a":
		href, ok := sel.Attr("href")
		if !ok || href == "" || href[0] == '#' {
			return nil
		}
		return p.Navigate(ctx, href)
	case isEditable(sel):
		p.focused = sel
		if inputType(sel) == "checkbox" {
			setChecked(sel, !sel.Is("[checked]"))
		}
		if inputType(sel) == "radio" {
			checkRadio(p.doc, sel)
		}
		return nil
	default:
		p.focused = nil
		return nil
	}
}

// Type appends text to the value of the focused field, as typing on a keyboard would.
func (p *Page) Type(_ context.Context, text string) error {
	if p.doc == nil {
		return ErrNoDocument
	}
	if p.focused == nil {
		return ErrNoFocus
	}
	setValue(p.focused, fieldValue(p.focused)+text)
	return nil
}

// Set replaces the value of a field. Checkboxes are checked by any value other than "", "false", "off" and "0".
func (p *Page) Set(_ context.Context, selector, value string) error {
	sel, err := p.find(selector)
	if err != nil {
		return err
	}
	if !isEditable(sel) {
		return fmt.Errorf("%s is a <%s>, which has no value", selector, goquery.NodeName(sel))
	}
	switch inputType(sel) {
	case "checkbox":
		setChecked(sel, truthy(value))
	case "radio":
		if truthy(value) {
			checkRadio(p.doc, sel)
		}
	default:
		setValue(sel, value)
	}
	return nil
}

// Scroll only tracks the offset, a static document has nothing to lazy load.
func (p *Page) Scroll(_ context.Context, direction script.Direction, distance int) error {
	if p.doc == nil {
		return ErrNoDocument
	}
	if direction == script.DirectionUp {
		distance = -distance
	}
	p.scrollY = max(0, p.scrollY+distance)
	return nil
}

func (p *Page) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	ctx, span := tracer.Start(ctx, "httppage.Submit")
	defer span.End()

	action, _ := form.Attr("action")
	if formAction, ok := submitter.Attr("formaction"); ok {
		action = formAction
	}
	target, err := p.resolve(action)
	if err != nil {
		return p.fail(span, report_page_submit, err)
	}
	method, _ := form.Attr("method")
	if formMethod, ok := submitter.Attr("formmethod"); ok {
		method = formMethod
	}
	values := formValues(p.doc, form, submitter)
	span.SetAttributes(
		attribute.String("url", telemetry.RedactURL(target.String())),
		attribute.String("method", method),
	)

	req := p.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("referer", p.URL())

	var res *resty.Response
	if strings.EqualFold(method, "post") {
		res, err = req.SetFormDataFromValues(values).Post(target.String())
	} else {
		target.RawQuery = values.Encode()
		res, err = req.Get(target.String())
	}
	if err != nil {
		return p.fail(span, report_page_submit, err)
	}
	return p.load(span, res)
}

func (p *Page) fail(span trace.Span, id string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.tel.ReportWarning(id, err)
	return err
}

// recordCookies keeps a copy of every Set-Cookie the page receives, including those on redirects.
type recordCookies struct {
	next http.RoundTripper
	page *Page
}

func (r recordCookies) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := r.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	received := res.Cookies()
	if len(received) > 0 {
		now := r.page.time.Now()
		cookies := make([]session.Cookie, len(received))
		for i, c := range received {
			cookies[i] = session.FromHTTP(c, req.URL.Hostname(), now)
		}
		r.page.rememberCookies(cookies)
	}
	return res, nil
}

func trimDot(domain string) string {
	if len(domain) > 0 && domain[0] == '.' {
		return domain[1:]
	}
	return domain
}
