package mediaserver

import (
	"context"
	"sync/atomic"
)

// MockAdapter is an in-memory media server for tests.
type MockAdapter struct {
	ServerID string
	Items    []LibraryItem
	Err      error

	scans atomic.Int64
}

func (m *MockAdapter) ID() string { return m.ServerID }

// FetchLibrary returns the canned items, honoring Offset/Limit paging.
func (m *MockAdapter) FetchLibrary(ctx context.Context, opts FetchOptions) ([]LibraryItem, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	items := m.Items
	if opts.Offset >= len(items) {
		return nil, nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	out := make([]LibraryItem, len(items))
	copy(out, items)
	return out, nil
}

// TriggerScan counts scan requests.
func (m *MockAdapter) TriggerScan(ctx context.Context) error {
	if m.Err != nil {
		return m.Err
	}
	m.scans.Add(1)
	return nil
}

// ScanCount reports how many scans were triggered.
func (m *MockAdapter) ScanCount() int64 { return m.scans.Load() }

var _ Adapter = (*MockAdapter)(nil)
