// Package mediaserver defines the contract for delivery-target media servers
// and a generic HTTP adapter.
package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// LibraryItem is one title known to a media server.
type LibraryItem struct {
	ExternalID string    `json:"externalId"`
	Kind       string    `json:"kind"`
	Title      string    `json:"title"`
	Year       int       `json:"year"`
	AddedAt    time.Time `json:"addedAt"`
}

// FetchOptions filter a library fetch.
type FetchOptions struct {
	Kind      string
	SinceDate *time.Time
	Offset    int
	Limit     int
}

// Adapter is the media-server contract the pipeline consumes.
type Adapter interface {
	ID() string
	// FetchLibrary lists items for reconciliation, paged by Offset/Limit.
	FetchLibrary(ctx context.Context, opts FetchOptions) ([]LibraryItem, error)
	// TriggerScan asks the server to re-scan its library after a delivery.
	TriggerScan(ctx context.Context) error
}

// HTTPConfig configures the generic HTTP adapter.
type HTTPConfig struct {
	ServerID string
	BaseURL  string
	APIKey   string
}

// HTTPAdapter speaks a conventional JSON API: GET /library and POST /scan,
// authenticated by an X-Api-Key header.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

// NewHTTP creates an HTTP media-server adapter.
func NewHTTP(cfg HTTPConfig, logger zerolog.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("component", "mediaserver").Str("server", cfg.ServerID).Logger(),
	}
}

func (a *HTTPAdapter) ID() string { return a.cfg.ServerID }

// FetchLibrary lists library items.
func (a *HTTPAdapter) FetchLibrary(ctx context.Context, opts FetchOptions) ([]LibraryItem, error) {
	u, err := url.Parse(a.cfg.BaseURL + "/library")
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	params := url.Values{}
	if opts.Kind != "" {
		params.Set("kind", opts.Kind)
	}
	if opts.SinceDate != nil {
		params.Set("since", opts.SinceDate.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprint(opts.Limit))
		params.Set("offset", fmt.Sprint(opts.Offset))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("library fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("library fetch returned status %d", resp.StatusCode)
	}

	var items []LibraryItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode library response: %w", err)
	}
	return items, nil
}

// TriggerScan requests a library re-scan.
func (a *HTTPAdapter) TriggerScan(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/scan", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("scan trigger failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("scan trigger returned status %d", resp.StatusCode)
	}
	a.logger.Debug().Msg("Library scan triggered")
	return nil
}

var _ Adapter = (*HTTPAdapter)(nil)
