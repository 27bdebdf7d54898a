// Package indexer queries release indexers and aggregates their results.
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/release"
)

// searchTimeout bounds each individual indexer call.
const searchTimeout = 30 * time.Second

// Kind mirrors the media kind of the request being searched.
type Kind string

const (
	KindMovie  Kind = "movie"
	KindSeries Kind = "series"
)

// Query describes one search across all enabled indexers.
type Query struct {
	Kind        Kind
	ExternalIDs map[string]string // e.g. {"imdb": "tt0133093"}
	Query       string
	Year        int
	Season      *int
	Episode     *int
}

// IndexerError records one indexer's failure inside an otherwise successful fanout.
type IndexerError struct {
	IndexerID   string `json:"indexerId"`
	IndexerName string `json:"indexerName"`
	Error       string `json:"error"`
}

// FanoutResult aggregates partial successes across indexers.
type FanoutResult struct {
	Releases []release.Release
	Queried  int
	Failed   int
	Errors   []IndexerError
}

// Adapter is one indexer protocol implementation.
type Adapter interface {
	ID() string
	Name() string
	Search(ctx context.Context, q Query) ([]release.Release, error)
}

// Service fans a query out to every registered adapter concurrently.
type Service struct {
	mu       sync.RWMutex
	adapters []Adapter
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
}

// NewService creates an indexer service.
func NewService(limiter *ratelimit.Limiter, logger zerolog.Logger) *Service {
	return &Service{
		limiter: limiter,
		logger:  logger.With().Str("component", "indexer").Logger(),
	}
}

// Register adds an adapter to the fanout set.
func (s *Service) Register(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters = append(s.adapters, a)
	s.logger.Info().Str("id", a.ID()).Str("name", a.Name()).Msg("Registered indexer")
}

// Adapters returns the registered adapters.
func (s *Service) Adapters() []Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Adapter, len(s.adapters))
	copy(out, s.adapters)
	return out
}

// Search queries every adapter concurrently with a per-indexer timeout.
// Individual failures are collected, never fatal: the result aggregates
// whatever succeeded.
func (s *Service) Search(ctx context.Context, q Query) (*FanoutResult, error) {
	adapters := s.Adapters()
	result := &FanoutResult{Queried: len(adapters)}
	if len(adapters) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, adapter := range adapters {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, searchTimeout)
			defer cancel()

			start := time.Now()
			releases, err := s.searchOne(callCtx, adapter, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, IndexerError{
					IndexerID:   adapter.ID(),
					IndexerName: adapter.Name(),
					Error:       err.Error(),
				})
				s.logger.Warn().
					Err(err).
					Str("indexer", adapter.Name()).
					Dur("duration", time.Since(start)).
					Msg("Indexer search failed")
				return nil
			}

			result.Releases = append(result.Releases, releases...)
			s.logger.Debug().
				Str("indexer", adapter.Name()).
				Int("results", len(releases)).
				Dur("duration", time.Since(start)).
				Msg("Indexer search completed")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("query", q.Query).
		Int("releases", len(result.Releases)).
		Int("queried", result.Queried).
		Int("failed", result.Failed).
		Msg("Indexer fanout complete")
	return result, nil
}

func (s *Service) searchOne(ctx context.Context, a Adapter, q Query) ([]release.Release, error) {
	if err := s.limiter.Acquire(ctx, a.ID()); err != nil {
		return nil, err
	}

	releases, err := a.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	// Drop candidates without a download handle and fill attributes the
	// feed left unstructured.
	out := releases[:0]
	for i := range releases {
		if !releases[i].HasDownload() {
			continue
		}
		release.Hydrate(&releases[i])
		out = append(out, releases[i])
	}
	return out, nil
}
