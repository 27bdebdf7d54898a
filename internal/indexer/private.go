package indexer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/release"
)

// sessionTTL is how long a login cookie is trusted before re-authenticating.
const sessionTTL = 30 * time.Minute

// PrivateConfig configures one login-gated HTML tracker.
type PrivateConfig struct {
	ID        string
	Name      string
	BaseURL   string
	LoginPath string // form POST target, e.g. /takelogin.php
	QueryPath string // search page, e.g. /browse.php
	Username  string
	Password  string
}

// PrivateAdapter scrapes a private tracker that requires a session cookie.
type PrivateAdapter struct {
	cfg    PrivateConfig
	client *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	sessionAt time.Time
}

// NewPrivate creates a private-tracker adapter.
func NewPrivate(cfg PrivateConfig, logger zerolog.Logger) (*PrivateAdapter, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &PrivateAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: searchTimeout, Jar: jar},
		logger: logger.With().Str("component", "private-indexer").Str("indexer", cfg.Name).Logger(),
	}, nil
}

func (p *PrivateAdapter) ID() string   { return p.cfg.ID }
func (p *PrivateAdapter) Name() string { return p.cfg.Name }

// Search fetches the browse page and scrapes the result table. On a 403 the
// session is re-established once and the request retried.
func (p *PrivateAdapter) Search(ctx context.Context, q Query) ([]release.Release, error) {
	if err := p.ensureSession(ctx, false); err != nil {
		return nil, err
	}

	releases, status, err := p.fetchResults(ctx, q)
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden {
		p.logger.Debug().Msg("Session rejected, re-authenticating")
		if err := p.ensureSession(ctx, true); err != nil {
			return nil, err
		}
		releases, status, err = p.fetchResults(ctx, q)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", status)
	}
	return releases, nil
}

// ensureSession logs in when the cookie is missing or expired.
func (p *PrivateAdapter) ensureSession(ctx context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && time.Since(p.sessionAt) < sessionTTL {
		return nil
	}

	form := url.Values{
		"username": {p.cfg.Username},
		"password": {p.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+p.cfg.LoginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	p.sessionAt = time.Now()
	p.logger.Debug().Msg("Tracker session established")
	return nil
}

func (p *PrivateAdapter) fetchResults(ctx context.Context, q Query) ([]release.Release, int, error) {
	u, err := url.Parse(p.cfg.BaseURL + p.cfg.QueryPath)
	if err != nil {
		return nil, 0, err
	}
	params := url.Values{"search": {q.Query}}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse results page: %w", err)
	}
	return p.scrape(doc), http.StatusOK, nil
}

// scrape reads the conventional torrent table layout: one row per release
// with a title link, a download link, and seeder/size cells.
func (p *PrivateAdapter) scrape(doc *goquery.Document) []release.Release {
	var releases []release.Release

	doc.Find("table.torrents tr.torrent, table#torrents tr.torrent").Each(func(_ int, row *goquery.Selection) {
		title := strings.TrimSpace(row.Find("a.torrent-title, td.name a").First().Text())
		if title == "" {
			return
		}

		href, _ := row.Find("a[href*='download']").First().Attr("href")
		if href == "" {
			return
		}
		if !strings.HasPrefix(href, "http") {
			href = p.cfg.BaseURL + "/" + strings.TrimPrefix(href, "/")
		}

		seeders, _ := strconv.Atoi(strings.TrimSpace(row.Find("td.seeders").First().Text()))
		leechers, _ := strconv.Atoi(strings.TrimSpace(row.Find("td.leechers").First().Text()))

		releases = append(releases, release.Release{
			Title:       title,
			IndexerID:   p.cfg.ID,
			IndexerName: p.cfg.Name,
			Size:        parseSize(strings.TrimSpace(row.Find("td.size").First().Text())),
			Seeders:     seeders,
			Leechers:    leechers,
			DownloadURL: href,
			PublishDate: time.Now().UTC(),
		})
	})

	return releases
}

// parseSize converts "8.5 GB" style cells to bytes.
func parseSize(s string) int64 {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	var unit float64
	switch strings.ToUpper(fields[1]) {
	case "KB", "KIB":
		unit = 1 << 10
	case "MB", "MIB":
		unit = 1 << 20
	case "GB", "GIB":
		unit = 1 << 30
	case "TB", "TIB":
		unit = 1 << 40
	default:
		return 0
	}
	return int64(value * unit)
}
