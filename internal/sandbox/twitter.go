package sandbox

import (
	"context"
	"fmt"
	"net/http"

	twitterscraper "github.com/imperatrona/twitter-scraper"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/scan"
)

const defaultPageSize = 100

// TwitterExtractor pages through the followers endpoint with the injected
// browser cookies.
type TwitterExtractor struct {
	PageSize int
	Domain   string
}

func (e TwitterExtractor) scraper(session *SessionCookies) *twitterscraper.Scraper {
	domain := e.Domain
	if domain == "" {
		domain = ".x.com"
	}

	cookies := make([]*http.Cookie, 0, len(session.Cookies))
	for name, value := range session.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Domain: domain, Path: "/"})
	}

	scraper := twitterscraper.New()
	scraper.SetCookies(cookies)
	return scraper
}

func (e TwitterExtractor) Extract(ctx context.Context, session *SessionCookies, handle string, max int, progress func(int)) ([]scan.Follower, bool, error) {
	if session == nil || len(session.Cookies) == 0 {
		return nil, false, fmt.Errorf("%w: no session injected", ErrAuthRequired)
	}

	scraper := e.scraper(session)
	if !scraper.IsLoggedIn() {
		return nil, false, fmt.Errorf("%w: session rejected by X", ErrAuthRequired)
	}

	pageSize := e.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	followers := make([]scan.Follower, 0, max)
	cursor := ""
	for len(followers) < max {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		page, next, err := scraper.FetchFollowers(handle, min(pageSize, max-len(followers)), cursor)
		if err != nil {
			return nil, false, fmt.Errorf("fetch followers of %s: %w", handle, err)
		}
		for _, p := range page {
			followers = append(followers, scan.Follower{UserID: p.UserID, Username: p.Username, Name: p.Name})
		}
		progress(min(99, len(followers)*100/max))
		logrus.Debugf("Fetched %d followers of %s", len(followers), handle)

		if next == "" || len(page) == 0 {
			return followers, false, nil
		}
		cursor = next
	}

	return followers[:max], true, nil
}
