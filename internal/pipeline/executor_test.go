package pipeline_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/approval"
	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/mediaserver"
	"github.com/fetcharr/fetcharr/internal/pipeline"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/release"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

type fixture struct {
	tdb       *testutil.TestDB
	sched     *scheduler.Scheduler
	queue     *queue.Queue
	indexers  *indexer.Service
	client    *downloader.MockClient
	server    *mediaserver.MockAdapter
	executor  *pipeline.Executor
	approvals *approval.Service
}

func newFixture(t *testing.T, cfg pipeline.Config) *fixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	logger := testutil.NewTestLogger(t)

	sched, err := scheduler.New(logger)
	require.NoError(t, err)

	q := queue.New(tdb.Store, sched, queue.Config{
		Concurrency:  4,
		PollInterval: 50 * time.Millisecond,
	}, logger)

	limiter := ratelimit.New(nil, logger)
	idx := indexer.NewService(limiter, logger)
	client := downloader.NewMock()
	server := &mediaserver.MockAdapter{ServerID: "plex-main"}

	if cfg.DownloadPollInterval == 0 {
		cfg.DownloadPollInterval = 20 * time.Millisecond
	}
	exec := pipeline.New(tdb.Store, q, idx, client, limiter, cfg, logger)
	exec.RegisterServer(server)
	exec.RegisterHandlers()

	approvals := approval.NewService(tdb.Store, exec, logger)
	exec.SetApprovals(approvals)

	require.NoError(t, q.Start(context.Background()))
	sched.Start()

	t.Cleanup(func() {
		_ = q.Stop(context.Background())
		_ = sched.Stop()
		tdb.Close()
	})
	return &fixture{
		tdb:       tdb,
		sched:     sched,
		queue:     q,
		indexers:  idx,
		client:    client,
		server:    server,
		executor:  exec,
		approvals: approvals,
	}
}

func waitForStatus(t *testing.T, f *fixture, requestID int64, want store.RequestStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last store.RequestStatus
	for time.Now().Before(deadline) {
		req, err := f.tdb.Store.GetRequest(context.Background(), requestID)
		require.NoError(t, err)
		last = req.Status
		if last == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("request never reached %s, last status %s", want, last)
}

func movieParams(title string) store.CreateRequestParams {
	res := "1080p"
	return store.CreateRequestParams{
		ExternalID:         "tt0133093",
		Kind:               store.KindMovie,
		Title:              title,
		Year:               2021,
		Targets:            []store.DeliveryTarget{{ServerID: "plex-main"}},
		RequiredResolution: &res,
	}
}

func movieReleases(title string) []release.Release {
	return []release.Release{
		{
			Title:       title + ".2021.1080p.WEB-DL.x264",
			IndexerID:   "idx-a",
			IndexerName: "Alpha",
			Seeders:     120,
			DownloadURL: "https://alpha.example/dl/1.torrent",
			PublishDate: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			Title:       title + ".2021.720p.HDTV.x264",
			IndexerID:   "idx-a",
			IndexerName: "Alpha",
			Seeders:     5,
			DownloadURL: "https://alpha.example/dl/2.torrent",
			PublishDate: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestMoviePipelineHappyPath(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases:    movieReleases("The.Heist"),
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)
	assert.Equal(t, store.RequestNew, req.Status)

	waitForStatus(t, f, req.ID, store.RequestComplete)

	final, err := f.tdb.Store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, final.SelectedRelease)

	var selected release.Release
	require.NoError(t, json.Unmarshal([]byte(*final.SelectedRelease), &selected))
	assert.Equal(t, "The.Heist.2021.1080p.WEB-DL.x264", selected.Title)
	assert.Equal(t, release.Resolution1080p, selected.Resolution)

	assert.GreaterOrEqual(t, f.server.ScanCount(), int64(1))
}

func TestRequiredResolutionIsFloorNotPreference(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	// The request requires 1080p. A 2160p release outscores the 1080p one
	// and must win: the floor filters, it does not pin the choice.
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases: []release.Release{
			{
				Title:       "The.Heist.2021.1080p.WEB-DL.x264",
				IndexerID:   "idx-a",
				IndexerName: "Alpha",
				Seeders:     120,
				DownloadURL: "https://alpha.example/dl/1.torrent",
			},
			{
				Title:       "The.Heist.2021.2160p.BluRay.x265",
				IndexerID:   "idx-a",
				IndexerName: "Alpha",
				Seeders:     40,
				DownloadURL: "https://alpha.example/dl/4k.torrent",
			},
		},
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestComplete)

	final, err := f.tdb.Store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, final.SelectedRelease)

	var selected release.Release
	require.NoError(t, json.Unmarshal([]byte(*final.SelectedRelease), &selected))
	assert.Equal(t, "The.Heist.2021.2160p.BluRay.x265", selected.Title)
	assert.Equal(t, release.Resolution2160p, selected.Resolution)
}

func TestMovieQualityGate(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	// Only a 720p release exists; the request requires 1080p.
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases: []release.Release{{
			Title:       "The.Heist.2021.720p.HDTV.x264",
			IndexerID:   "idx-a",
			IndexerName: "Alpha",
			Seeders:     50,
			DownloadURL: "https://alpha.example/dl/2.torrent",
		}},
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestQualityUnavailable)

	final, err := f.tdb.Store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Nil(t, final.SelectedRelease)
	require.NotNil(t, final.AvailableReleases)

	var available []release.Release
	require.NoError(t, json.Unmarshal([]byte(*final.AvailableReleases), &available))
	require.Len(t, available, 1)
	assert.Positive(t, available[0].Score)
}

func TestMovieNoReleasesGoesAwaiting(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.indexers.Register(&indexer.MockAdapter{IndexerID: "idx-a", IndexerName: "Alpha"})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("Obscure Film"))
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestAwaiting)
}

func TestApprovalGateApprove(t *testing.T) {
	f := newFixture(t, pipeline.Config{RequireApproval: true, ApprovalTimeoutHours: 24})
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases:    movieReleases("The.Heist"),
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestPendingApproval)

	ap, err := f.tdb.Store.GetPendingApprovalForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, ap.TimeoutHours)
	assert.Equal(t, 24.0, *ap.TimeoutHours)

	require.NoError(t, f.approvals.Process(context.Background(), ap.ID, true, "admin", nil))

	waitForStatus(t, f, req.ID, store.RequestComplete)
}

func TestApprovalGateReject(t *testing.T) {
	f := newFixture(t, pipeline.Config{RequireApproval: true})
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases:    movieReleases("The.Heist"),
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestPendingApproval)

	ap, err := f.tdb.Store.GetPendingApprovalForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	comment := "wrong cut"
	require.NoError(t, f.approvals.Process(context.Background(), ap.ID, false, "admin", &comment))

	waitForStatus(t, f, req.ID, store.RequestCancelled)
}

func TestFailedTransferFailsRequest(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.client.FailTransfers = true
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases:    movieReleases("The.Heist"),
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)

	// The download job retries with backoff before exhausting, so allow a
	// generous window.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		r, err := f.tdb.Store.GetRequest(context.Background(), req.ID)
		require.NoError(t, err)
		if r.Status == store.RequestFailed {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("request never failed")
}

func TestAdvanceIsIdempotent(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases:    movieReleases("The.Heist"),
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)

	// Replaying the dispatcher at any point must not fork the pipeline.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.executor.Advance(context.Background(), req.ID))
		time.Sleep(20 * time.Millisecond)
	}

	waitForStatus(t, f, req.ID, store.RequestComplete)

	jobs, err := f.tdb.Store.ListJobsForRequest(context.Background(), req.ID)
	require.NoError(t, err)

	byType := make(map[string]int)
	for _, j := range jobs {
		byType[j.Type]++
	}
	assert.Equal(t, 1, byType["pipeline:search"], "search must run exactly once")
	assert.Equal(t, 1, byType["pipeline:download"], "download must run exactly once")
}

func TestSeriesPipelineSeasonPack(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases: []release.Release{
			{
				Title:       "Show.S01E01.1080p.WEB-DL.x264",
				IndexerID:   "idx-a",
				IndexerName: "Alpha",
				Seeders:     30,
				DownloadURL: "https://alpha.example/dl/e1.torrent",
			},
			{
				Title:       "Show.S01E02.1080p.WEB-DL.x264",
				IndexerID:   "idx-a",
				IndexerName: "Alpha",
				Seeders:     25,
				DownloadURL: "https://alpha.example/dl/e2.torrent",
			},
			{
				Title:       "Show.S01.1080p.BluRay.x265",
				IndexerID:   "idx-a",
				IndexerName: "Alpha",
				Seeders:     80,
				DownloadURL: "https://alpha.example/dl/s01.torrent",
			},
		},
	})

	res := "1080p"
	req, err := f.executor.CreateRequest(context.Background(), store.CreateRequestParams{
		ExternalID:         "tt0903747",
		Kind:               store.KindSeries,
		Title:              "Show",
		Year:               2020,
		Targets:            []store.DeliveryTarget{{ServerID: "plex-main"}},
		RequiredResolution: &res,
	})
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestComplete)

	items, err := f.tdb.Store.ListItemsForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, store.ItemComplete, item.Status)
	}

	// The higher-scoring season pack must have been chosen over two
	// per-episode downloads.
	jobs, err := f.tdb.Store.ListJobsForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	season, episode := 0, 0
	for _, j := range jobs {
		switch j.Type {
		case "tv:download-season":
			season++
		case "tv:download-episode":
			episode++
		}
	}
	assert.Equal(t, 1, season)
	assert.Zero(t, episode)
}

func TestSeriesPerEpisodeDownloads(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	// No season pack on offer; each episode downloads individually.
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases: []release.Release{
			{
				Title:       "Show.S01E01.1080p.WEB-DL.x264",
				IndexerID:   "idx-a",
				IndexerName: "Alpha",
				Seeders:     30,
				DownloadURL: "https://alpha.example/dl/e1.torrent",
			},
			{
				Title:       "Show.S01E02.1080p.WEB-DL.x264",
				IndexerID:   "idx-a",
				IndexerName: "Alpha",
				Seeders:     25,
				DownloadURL: "https://alpha.example/dl/e2.torrent",
			},
		},
	})

	req, err := f.executor.CreateRequest(context.Background(), store.CreateRequestParams{
		ExternalID: "tt0903747",
		Kind:       store.KindSeries,
		Title:      "Show",
		Year:       2020,
		Targets:    []store.DeliveryTarget{{ServerID: "plex-main"}},
	})
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestComplete)

	jobs, err := f.tdb.Store.ListJobsForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	episode := 0
	for _, j := range jobs {
		if j.Type == "tv:download-episode" {
			episode++
		}
	}
	assert.Equal(t, 2, episode)
}

func TestLibrarySyncReconcilesRequest(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.indexers.Register(&indexer.MockAdapter{IndexerID: "idx-a", IndexerName: "Alpha"})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)
	waitForStatus(t, f, req.ID, store.RequestAwaiting)

	// The title shows up in the library out of band.
	f.server.Items = []mediaserver.LibraryItem{{
		ExternalID: "tt0133093",
		Kind:       "movie",
		Title:      "The Heist",
		Year:       2021,
	}}

	_, err = f.queue.Add(context.Background(), "library:sync-server",
		pipeline.SyncServerPayload{ServerID: "plex-main"}, queue.Options{})
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestComplete)

	final, err := f.tdb.Store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "Found in library", final.CurrentStep)

	// Cursor is cleared once the sweep finishes.
	_, err = f.tdb.Store.GetSyncState(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAnnounceUpgradeFromQualityUnavailable(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases: []release.Release{{
			Title:       "The.Heist.2021.720p.HDTV.x264",
			IndexerID:   "idx-a",
			IndexerName: "Alpha",
			Seeders:     50,
			DownloadURL: "https://alpha.example/dl/2.torrent",
		}},
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)
	waitForStatus(t, f, req.ID, store.RequestQualityUnavailable)

	// An announce channel delivers a release meeting the quality floor.
	announced := release.Release{
		Title:       "The.Heist.2021.1080p.BluRay.x265",
		IndexerID:   "irc",
		IndexerName: "irc-announce",
		DownloadURL: "https://tracker.example/dl/9.torrent",
	}
	release.Hydrate(&announced)
	require.NoError(t, f.executor.AcceptMovieAnnounce(context.Background(), req.ID, announced))

	waitForStatus(t, f, req.ID, store.RequestComplete)

	final, err := f.tdb.Store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, final.SelectedRelease)
	assert.Contains(t, *final.SelectedRelease, "The.Heist.2021.1080p.BluRay.x265")
	assert.Nil(t, final.AvailableReleases, "announce upgrade clears the parked candidate list")

	// No fresh search ran for the upgrade.
	jobs, err := f.tdb.Store.ListJobsForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	searches := 0
	for _, j := range jobs {
		if j.Type == "pipeline:search" {
			searches++
		}
	}
	assert.Equal(t, 1, searches)
}

func TestLateAnnounceLeavesSettledRequestAlone(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	f.indexers.Register(&indexer.MockAdapter{
		IndexerID:   "idx-a",
		IndexerName: "Alpha",
		Releases:    movieReleases("The.Heist"),
	})

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)
	waitForStatus(t, f, req.ID, store.RequestComplete)

	// An announce arriving after the request settled must not touch the
	// recorded selection or restart the pipeline.
	late := release.Release{
		Title:       "The.Heist.2021.2160p.BluRay.x265",
		IndexerID:   "irc",
		IndexerName: "irc-announce",
		DownloadURL: "https://tracker.example/dl/9.torrent",
	}
	release.Hydrate(&late)
	require.NoError(t, f.executor.AcceptMovieAnnounce(context.Background(), req.ID, late))

	final, err := f.tdb.Store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestComplete, final.Status)
	require.NotNil(t, final.SelectedRelease)
	assert.Contains(t, *final.SelectedRelease, "The.Heist.2021.1080p.WEB-DL.x264")
}

func TestRetryAwaitingReruns(t *testing.T) {
	f := newFixture(t, pipeline.Config{})
	mock := &indexer.MockAdapter{IndexerID: "idx-a", IndexerName: "Alpha"}
	f.indexers.Register(mock)

	req, err := f.executor.CreateRequest(context.Background(), movieParams("The Heist"))
	require.NoError(t, err)
	waitForStatus(t, f, req.ID, store.RequestAwaiting)

	// A release appears; the retry task picks the request back up.
	mock.Releases = movieReleases("The.Heist")
	_, err = f.queue.Add(context.Background(), "pipeline:retry-awaiting", struct{}{}, queue.Options{})
	require.NoError(t, err)

	waitForStatus(t, f, req.ID, store.RequestComplete)
}
