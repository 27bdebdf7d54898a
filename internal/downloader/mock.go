package downloader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockClient simulates a download client that finishes transfers after a
// configurable number of progress polls.
type MockClient struct {
	// PollsToComplete is how many GetProgress calls a transfer takes to
	// reach complete. Zero means instantly complete.
	PollsToComplete int
	// FailTransfers makes every transfer end in the error state.
	FailTransfers bool
	// DownloadDir is the directory reported for finished files.
	DownloadDir string

	mu        sync.Mutex
	transfers map[string]*mockTransfer
}

type mockTransfer struct {
	name   string
	polls  int
	paused bool
}

// NewMock creates a mock download client.
func NewMock() *MockClient {
	return &MockClient{
		DownloadDir: "/downloads",
		transfers:   make(map[string]*mockTransfer),
	}
}

// Add registers a transfer and returns a synthetic client hash.
func (m *MockClient) Add(ctx context.Context, urlOrMagnet string, opts AddOptions) (string, error) {
	if urlOrMagnet == "" {
		return "", fmt.Errorf("empty download handle")
	}

	hash := uuid.New().String()
	name := filepath.Base(strings.TrimSuffix(urlOrMagnet, ".torrent"))
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}

	m.mu.Lock()
	m.transfers[hash] = &mockTransfer{name: name, paused: opts.Paused}
	m.mu.Unlock()
	return hash, nil
}

// GetProgress advances the simulated transfer by one poll.
func (m *MockClient) GetProgress(ctx context.Context, clientHash string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.transfers[clientHash]
	if !ok {
		return nil, fmt.Errorf("unknown transfer %q", clientHash)
	}

	if m.FailTransfers {
		return &Progress{State: StateError, Error: "tracker rejected announce"}, nil
	}
	if tr.paused {
		return &Progress{State: StatePaused}, nil
	}

	tr.polls++
	total := int64(1 << 30)
	if tr.polls > m.PollsToComplete {
		return &Progress{
			State:           StateComplete,
			ProgressPct:     100,
			DownloadedBytes: total,
			TotalBytes:      total,
			IsComplete:      true,
		}, nil
	}

	pct := float64(tr.polls) / float64(m.PollsToComplete+1) * 100
	return &Progress{
		State:           StateDownloading,
		ProgressPct:     pct,
		DownloadedBytes: int64(pct / 100 * float64(total)),
		TotalBytes:      total,
		ETASec:          int64(m.PollsToComplete - tr.polls + 1),
		Speed:           50 << 20,
	}, nil
}

// GetMainVideoFile reports the simulated file path for a finished transfer.
func (m *MockClient) GetMainVideoFile(ctx context.Context, clientHash string) (*VideoFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.transfers[clientHash]
	if !ok {
		return nil, fmt.Errorf("unknown transfer %q", clientHash)
	}
	return &VideoFile{
		Path: filepath.Join(m.DownloadDir, tr.name+".mkv"),
		Size: 1 << 30,
	}, nil
}

// Pause pauses a transfer.
func (m *MockClient) Pause(ctx context.Context, clientHash string) error {
	return m.setPaused(clientHash, true)
}

// Resume resumes a transfer.
func (m *MockClient) Resume(ctx context.Context, clientHash string) error {
	return m.setPaused(clientHash, false)
}

func (m *MockClient) setPaused(clientHash string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transfers[clientHash]
	if !ok {
		return fmt.Errorf("unknown transfer %q", clientHash)
	}
	tr.paused = paused
	return nil
}

// Delete removes a transfer.
func (m *MockClient) Delete(ctx context.Context, clientHash string, removeData bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[clientHash]; !ok {
		return fmt.Errorf("unknown transfer %q", clientHash)
	}
	delete(m.transfers, clientHash)
	return nil
}

var _ Client = (*MockClient)(nil)
