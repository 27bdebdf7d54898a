package announce

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/release"
)

const (
	// guidCacheLimit bounds the seen-guid LRU; on overflow it trims to
	// guidCacheTrim, dropping the oldest entries.
	guidCacheLimit = 1000
	guidCacheTrim  = 500

	// feedStrikeLimit is how many consecutive failures put a feed on the
	// bench; it then sits out a number of polls equal to its strike count.
	feedStrikeLimit = 3

	maxFeedBody = 10 << 20
)

// Poller polls RSS feeds for new announcements on a scheduler cadence.
type Poller struct {
	feeds   []string
	matcher *Matcher
	client  *http.Client
	logger  zerolog.Logger

	mu      sync.Mutex
	seen    *guidCache
	strikes map[string]int
	benched map[string]int
}

// NewPoller creates the RSS announce poller.
func NewPoller(feeds []string, matcher *Matcher, logger zerolog.Logger) *Poller {
	return &Poller{
		feeds:   feeds,
		matcher: matcher,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "rss").Logger(),
		seen:    newGuidCache(guidCacheLimit, guidCacheTrim),
		strikes: make(map[string]int),
		benched: make(map[string]int),
	}
}

// Poll fetches every feed once. Registered as a scheduler task.
func (p *Poller) Poll(ctx context.Context) error {
	for _, feedURL := range p.feeds {
		if p.sitOut(feedURL) {
			continue
		}

		items, err := p.fetchFeed(ctx, feedURL)
		if err != nil {
			p.strike(feedURL, err)
			continue
		}
		p.clearStrikes(feedURL)

		for _, item := range items {
			if err := p.handleItem(ctx, feedURL, item); err != nil {
				p.logger.Error().Err(err).Str("feed", feedURL).Msg("Failed to process feed item")
			}
		}
	}
	return nil
}

func (p *Poller) handleItem(ctx context.Context, feedURL string, item rssItem) error {
	guid := item.GUID
	if guid == "" {
		guid = item.Link
	}
	if guid == "" {
		guid = item.Title
	}

	p.mu.Lock()
	fresh := p.seen.add(guid)
	p.mu.Unlock()
	if !fresh {
		return nil
	}

	rel := release.Release{
		Title:       item.Title,
		IndexerID:   "rss",
		IndexerName: feedHost(feedURL),
		DownloadURL: item.Link,
		PublishDate: item.publishedAt(),
	}
	if item.Enclosure.URL != "" {
		rel.DownloadURL = item.Enclosure.URL
		if n, err := strconv.ParseInt(item.Enclosure.Length, 10, 64); err == nil {
			rel.Size = n
		}
	}
	if !rel.HasDownload() {
		return nil
	}

	matched, err := p.matcher.HandleRelease(ctx, rel)
	if err != nil {
		return err
	}
	if matched {
		p.logger.Info().Str("title", rel.Title).Str("feed", feedURL).Msg("Feed item matched a waiting request")
	}
	return nil
}

// sitOut reports whether a benched feed should be skipped this poll.
func (p *Poller) sitOut(feedURL string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.benched[feedURL] > 0 {
		p.benched[feedURL]--
		return true
	}
	return false
}

func (p *Poller) strike(feedURL string, err error) {
	p.mu.Lock()
	p.strikes[feedURL]++
	count := p.strikes[feedURL]
	if count >= feedStrikeLimit {
		p.benched[feedURL] = count
	}
	p.mu.Unlock()

	p.logger.Warn().Err(err).Str("feed", feedURL).Int("strikes", count).Msg("Feed fetch failed")
}

func (p *Poller) clearStrikes(feedURL string) {
	p.mu.Lock()
	p.strikes[feedURL] = 0
	p.mu.Unlock()
}

func (p *Poller) fetchFeed(ctx context.Context, feedURL string) ([]rssItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, err
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return feed.Channel.Items, nil
}

func feedHost(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

type rssFeed struct {
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title     string       `xml:"title"`
	GUID      string       `xml:"guid"`
	Link      string       `xml:"link"`
	PubDate   string       `xml:"pubDate"`
	Enclosure rssEnclosure `xml:"enclosure"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length string `xml:"length,attr"`
}

func (i rssItem) publishedAt() time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, i.PubDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

// guidCache is a bounded insertion-ordered set.
type guidCache struct {
	limit int
	trim  int
	order []string
	set   map[string]struct{}
}

func newGuidCache(limit, trim int) *guidCache {
	return &guidCache{
		limit: limit,
		trim:  trim,
		set:   make(map[string]struct{}, limit),
	}
}

// add inserts a guid, returning false when it was already present. On
// overflow the oldest entries are dropped down to the trim size.
func (c *guidCache) add(guid string) bool {
	if _, ok := c.set[guid]; ok {
		return false
	}
	c.set[guid] = struct{}{}
	c.order = append(c.order, guid)

	if len(c.order) > c.limit {
		drop := len(c.order) - c.trim
		for _, old := range c.order[:drop] {
			delete(c.set, old)
		}
		c.order = append(c.order[:0], c.order[drop:]...)
	}
	return true
}

func (c *guidCache) len() int { return len(c.order) }
