package approval_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/approval"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

type recordingNotifier struct {
	mu        sync.Mutex
	decisions []decision
}

type decision struct {
	requestID int64
	proceed   bool
}

func (n *recordingNotifier) OnApprovalDecided(ctx context.Context, requestID int64, proceed bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, decision{requestID: requestID, proceed: proceed})
	return nil
}

func (n *recordingNotifier) all() []decision {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]decision, len(n.decisions))
	copy(out, n.decisions)
	return out
}

func newGate(t *testing.T) (*approval.Service, *recordingNotifier, *testutil.TestDB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)
	notifier := &recordingNotifier{}
	svc := approval.NewService(tdb.Store, notifier, testutil.NewTestLogger(t))
	return svc, notifier, tdb
}

func createRequest(t *testing.T, tdb *testutil.TestDB) *store.MediaRequest {
	t.Helper()
	req, err := tdb.Store.CreateRequest(context.Background(), store.CreateRequestParams{
		ExternalID: "tt0133093",
		Kind:       store.KindMovie,
		Title:      "The Heist",
		Year:       2021,
		Targets:    []store.DeliveryTarget{{ServerID: "plex-main"}},
	})
	require.NoError(t, err)
	return req
}

func TestProcessApprove(t *testing.T) {
	svc, notifier, tdb := newGate(t)
	req := createRequest(t, tdb)

	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID: req.ID,
		StepOrder: 1,
		Reason:    "confirm release",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Process(context.Background(), ap.ID, true, "admin", nil))

	processed, err := tdb.Store.GetApproval(context.Background(), ap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, processed.Status)
	require.NotNil(t, processed.ProcessedBy)
	assert.Equal(t, "admin", *processed.ProcessedBy)

	decisions := notifier.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, req.ID, decisions[0].requestID)
	assert.True(t, decisions[0].proceed)
}

func TestProcessRejectNotifiesNoProceed(t *testing.T) {
	svc, notifier, tdb := newGate(t)
	req := createRequest(t, tdb)

	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID: req.ID,
		StepOrder: 1,
		Reason:    "confirm release",
	})
	require.NoError(t, err)

	comment := "wrong cut"
	require.NoError(t, svc.Process(context.Background(), ap.ID, false, "admin", &comment))

	decisions := notifier.all()
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].proceed)
}

func TestProcessTwiceFails(t *testing.T) {
	svc, _, tdb := newGate(t)
	req := createRequest(t, tdb)

	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID: req.ID,
		StepOrder: 1,
		Reason:    "confirm release",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Process(context.Background(), ap.ID, true, "admin", nil))
	assert.Error(t, svc.Process(context.Background(), ap.ID, false, "admin", nil))
}

func TestTimeoutAppliesAutoApprove(t *testing.T) {
	svc, notifier, tdb := newGate(t)
	req := createRequest(t, tdb)

	hours := 0.0001 // well in the past by the time the sweep runs
	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID:    req.ID,
		StepOrder:    1,
		Reason:       "confirm release",
		TimeoutHours: &hours,
		AutoAction:   store.AutoApprove,
	})
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, svc.CheckTimeouts(context.Background()))

	processed, err := tdb.Store.GetApproval(context.Background(), ap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, processed.Status)
	require.NotNil(t, processed.ProcessedBy)
	assert.Equal(t, "system:timeout", *processed.ProcessedBy)

	decisions := notifier.all()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].proceed)
}

func TestTimeoutAppliesAutoReject(t *testing.T) {
	svc, notifier, tdb := newGate(t)
	req := createRequest(t, tdb)

	hours := 0.0001
	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID:    req.ID,
		StepOrder:    1,
		Reason:       "confirm release",
		TimeoutHours: &hours,
		AutoAction:   store.AutoReject,
	})
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, svc.CheckTimeouts(context.Background()))

	processed, err := tdb.Store.GetApproval(context.Background(), ap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, processed.Status)

	decisions := notifier.all()
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].proceed)
}

func TestTimeoutSkipsApprovalWithoutDeadline(t *testing.T) {
	svc, notifier, tdb := newGate(t)
	req := createRequest(t, tdb)

	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID: req.ID,
		StepOrder: 1,
		Reason:    "confirm release",
	})
	require.NoError(t, err)

	require.NoError(t, svc.CheckTimeouts(context.Background()))

	processed, err := tdb.Store.GetApproval(context.Background(), ap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, processed.Status)
	assert.Empty(t, notifier.all())
}

func TestResetCooldownDefersTimeout(t *testing.T) {
	svc, notifier, tdb := newGate(t)
	req := createRequest(t, tdb)

	hours := 0.0001
	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID:    req.ID,
		StepOrder:    1,
		Reason:       "confirm release",
		TimeoutHours: &hours,
		AutoAction:   store.AutoApprove,
	})
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	// The user overrides the selection; the window restarts far in the
	// future so the sweep must leave the approval pending.
	require.NoError(t, tdb.Store.ResetApprovalClock(context.Background(), ap.ID, time.Now().Add(time.Hour)))
	require.NoError(t, svc.CheckTimeouts(context.Background()))

	processed, err := tdb.Store.GetApproval(context.Background(), ap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, processed.Status)
	assert.Empty(t, notifier.all())
}

func TestListenersNotified(t *testing.T) {
	svc, _, tdb := newGate(t)
	req := createRequest(t, tdb)

	var mu sync.Mutex
	var created, decided []int64
	svc.OnNewApproval(func(a store.Approval) {
		mu.Lock()
		created = append(created, a.ID)
		mu.Unlock()
	})
	svc.OnApprovalProcessed(func(a store.Approval) {
		mu.Lock()
		decided = append(decided, a.ID)
		mu.Unlock()
	})

	ap, err := svc.Create(context.Background(), store.CreateApprovalParams{
		RequestID: req.ID,
		StepOrder: 1,
		Reason:    "confirm release",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), ap.ID, true, "admin", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{ap.ID}, created)
	assert.Equal(t, []int64{ap.ID}, decided)
}
