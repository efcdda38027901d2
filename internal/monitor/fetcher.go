package monitor

import (
	"context"
	"errors"

	"authcrawl-backend/internal/login"
	"authcrawl-backend/internal/provider"
)

// PageFetcher reads jobs through pages. Jobs with a session are read through that session's authenticated
// state, the others through a fresh page.
type PageFetcher struct {
	Runner   *login.Runner
	Browsers login.BrowserFactory
}

func (f PageFetcher) Fetch(ctx context.Context, job Job) (target provider.Target, err error) {
	if job.SessionID == "" {
		page, err := f.Browsers("")
		if err != nil {
			return provider.Target{}, err
		}
		err = page.Navigate(ctx, job.URL)
		if err != nil {
			return provider.Target{}, err
		}
		return Read(ctx, page)
	}

	visit, err := f.Runner.Visit(ctx, job.SessionID, job.URL)
	if err != nil {
		return provider.Target{}, err
	}
	defer func() {
		err = errors.Join(err, visit.Close(ctx))
	}()
	return Read(ctx, visit.Page)
}

// Read turns the page's current document into an extraction target.
func Read(ctx context.Context, page login.Browser) (provider.Target, error) {
	text, err := page.Text()
	if err != nil {
		return provider.Target{}, err
	}
	anchors, err := page.Links(ctx)
	if err != nil {
		return provider.Target{}, err
	}
	target := provider.Target{URL: page.URL(), Content: text}
	for _, anchor := range anchors {
		target.Links = append(target.Links, anchor.Href)
	}
	return target, nil
}
