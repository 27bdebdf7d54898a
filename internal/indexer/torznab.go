package indexer

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/release"
)

// TorznabConfig configures one Torznab/Newznab endpoint.
type TorznabConfig struct {
	ID      string
	Name    string
	BaseURL string // .../api
	APIKey  string
}

// TorznabAdapter speaks the Torznab XML API.
type TorznabAdapter struct {
	cfg     TorznabConfig
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// NewTorznab creates a Torznab adapter.
func NewTorznab(cfg TorznabConfig, limiter *ratelimit.Limiter, logger zerolog.Logger) *TorznabAdapter {
	return &TorznabAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: searchTimeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "torznab").Str("indexer", cfg.Name).Logger(),
	}
}

func (t *TorznabAdapter) ID() string   { return t.cfg.ID }
func (t *TorznabAdapter) Name() string { return t.cfg.Name }

// Search runs one query, retrying transient upstream failures with
// exponential backoff (2s, 4s, 8s).
func (t *TorznabAdapter) Search(ctx context.Context, q Query) ([]release.Release, error) {
	endpoint, err := t.buildURL(q)
	if err != nil {
		return nil, err
	}

	var releases []release.Release
	err = retry.Do(
		func() error {
			releases, err = t.fetch(ctx, endpoint)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return releases, err
}

func (t *TorznabAdapter) buildURL(q Query) (string, error) {
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	params := url.Values{}
	params.Set("apikey", t.cfg.APIKey)
	params.Set("q", q.Query)

	switch q.Kind {
	case KindSeries:
		params.Set("t", "tvsearch")
		if q.Season != nil {
			params.Set("season", strconv.Itoa(*q.Season))
		}
		if q.Episode != nil {
			params.Set("ep", strconv.Itoa(*q.Episode))
		}
	default:
		params.Set("t", "movie")
		if q.Year > 0 {
			params.Set("year", strconv.Itoa(q.Year))
		}
	}
	if imdb, ok := q.ExternalIDs["imdb"]; ok {
		params.Set("imdbid", imdb)
	}

	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (t *TorznabAdapter) fetch(ctx context.Context, endpoint string) ([]release.Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Slow everyone behind us down until the next refill.
		t.limiter.Penalize(t.cfg.ID)
		return nil, fmt.Errorf("upstream rate limited (429)")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("upstream error: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Unrecoverable(fmt.Errorf("unexpected status: %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	return t.parse(body)
}

// Torznab feed structures. Extended attributes arrive as repeated
// <torznab:attr name="..." value="..."/> elements.

type torznabFeed struct {
	XMLName xml.Name       `xml:"rss"`
	Channel torznabChannel `xml:"channel"`
}

type torznabChannel struct {
	Items []torznabItem `xml:"item"`
}

type torznabItem struct {
	Title     string        `xml:"title"`
	Link      string        `xml:"link"`
	GUID      string        `xml:"guid"`
	PubDate   string        `xml:"pubDate"`
	Size      int64         `xml:"size"`
	Category  []string      `xml:"category"`
	Enclosure rssEnclosure  `xml:"enclosure"`
	Attrs     []torznabAttr `xml:"attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

func (t *TorznabAdapter) parse(data []byte) ([]release.Release, error) {
	var feed torznabFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to parse torznab response: %w", err))
	}

	var releases []release.Release
	for _, item := range feed.Channel.Items {
		downloadURL := item.Link
		if downloadURL == "" {
			downloadURL = item.Enclosure.URL
		}

		size := item.Size
		if size == 0 && item.Enclosure.Length > 0 {
			size = item.Enclosure.Length
		}

		r := release.Release{
			Title:       item.Title,
			IndexerID:   t.cfg.ID,
			IndexerName: t.cfg.Name,
			Size:        size,
			DownloadURL: downloadURL,
			PublishDate: parseDate(item.PubDate),
			Categories:  item.Category,
		}

		for _, attr := range item.Attrs {
			switch attr.Name {
			case "seeders":
				r.Seeders, _ = strconv.Atoi(attr.Value)
			case "peers", "leechers":
				r.Leechers, _ = strconv.Atoi(attr.Value)
			case "magneturl":
				r.MagnetURI = attr.Value
			case "size":
				if size, err := strconv.ParseInt(attr.Value, 10, 64); err == nil && size > 0 {
					r.Size = size
				}
			}
		}

		releases = append(releases, r)
	}
	return releases, nil
}

func parseDate(s string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
