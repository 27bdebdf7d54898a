package indexer

import (
	"context"
	"time"

	"github.com/fetcharr/fetcharr/internal/release"
)

// MockAdapter is an in-memory adapter for tests and local development.
type MockAdapter struct {
	IndexerID   string
	IndexerName string
	Releases    []release.Release
	Err         error
	Delay       time.Duration
}

func (m *MockAdapter) ID() string   { return m.IndexerID }
func (m *MockAdapter) Name() string { return m.IndexerName }

// Search returns the canned releases after the configured delay.
func (m *MockAdapter) Search(ctx context.Context, q Query) ([]release.Release, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]release.Release, len(m.Releases))
	copy(out, m.Releases)
	return out, nil
}
