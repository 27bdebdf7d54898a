package announce

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/release"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

type countingPipeline struct {
	movies atomic.Int64
}

func (c *countingPipeline) AcceptMovieAnnounce(ctx context.Context, requestID int64, rel release.Release) error {
	c.movies.Add(1)
	return nil
}

func (c *countingPipeline) AcceptEpisodeAnnounce(ctx context.Context, requestID, itemID int64, rel release.Release) error {
	return nil
}

func (c *countingPipeline) AcceptSeasonAnnounce(ctx context.Context, requestID int64, season int, rel release.Release) error {
	return nil
}

const feedBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
 <channel>
  <title>Tracker Feed</title>
  <item>
   <title>Dune.2021.1080p.BluRay.x265</title>
   <guid>guid-1</guid>
   <link>https://tracker.example/dl/1.torrent</link>
   <pubDate>Mon, 07 Jun 2021 10:00:00 +0000</pubDate>
   <enclosure url="https://tracker.example/dl/1.torrent" length="8589934592" type="application/x-bittorrent"/>
  </item>
  <item>
   <title>Unrelated.Show.S05E01.720p.HDTV.x264</title>
   <guid>guid-2</guid>
   <link>https://tracker.example/dl/2.torrent</link>
  </item>
 </channel>
</rss>`

func newPollerFixture(t *testing.T, feedURL string) (*Poller, *countingPipeline, *testutil.TestDB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)
	sink := &countingPipeline{}
	matcher := NewMatcher(tdb.Store, sink, testutil.NewTestLogger(t))
	return NewPoller([]string{feedURL}, matcher, testutil.NewTestLogger(t)), sink, tdb
}

func parkMovie(t *testing.T, tdb *testutil.TestDB) {
	t.Helper()
	req, err := tdb.Store.CreateRequest(context.Background(), store.CreateRequestParams{
		ExternalID: "tt0000001",
		Kind:       store.KindMovie,
		Title:      "Dune",
		Year:       2021,
		Targets:    []store.DeliveryTarget{{ServerID: "plex-main"}},
	})
	require.NoError(t, err)
	require.NoError(t, tdb.Store.UpdateRequestStatus(context.Background(), req.ID, store.RequestAwaiting, "waiting"))
}

func TestPollMatchesNewItemsOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody)
	}))
	t.Cleanup(srv.Close)

	poller, sink, tdb := newPollerFixture(t, srv.URL)
	parkMovie(t, tdb)

	require.NoError(t, poller.Poll(context.Background()))
	assert.Equal(t, int64(1), sink.movies.Load())

	// The guid cache suppresses repeats on the next poll.
	require.NoError(t, poller.Poll(context.Background()))
	assert.Equal(t, int64(1), sink.movies.Load())
}

func TestFailingFeedIsBenched(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	poller, _, _ := newPollerFixture(t, srv.URL)

	for i := 0; i < 3; i++ {
		require.NoError(t, poller.Poll(context.Background()))
	}
	assert.Equal(t, int64(3), calls.Load())

	// Three strikes: the feed sits out the next three polls.
	for i := 0; i < 3; i++ {
		require.NoError(t, poller.Poll(context.Background()))
	}
	assert.Equal(t, int64(3), calls.Load())

	// Bench served; fetching resumes.
	require.NoError(t, poller.Poll(context.Background()))
	assert.Equal(t, int64(4), calls.Load())
}

func TestGuidCacheTrims(t *testing.T) {
	cache := newGuidCache(10, 5)

	for i := 0; i < 10; i++ {
		assert.True(t, cache.add(fmt.Sprintf("guid-%d", i)))
	}
	assert.Equal(t, 10, cache.len())

	// Overflow drops the oldest entries down to the trim size.
	assert.True(t, cache.add("guid-10"))
	assert.Equal(t, 5, cache.len())

	assert.True(t, cache.add("guid-0"), "trimmed guid is forgotten")
	assert.False(t, cache.add("guid-10"), "recent guid is remembered")
}
