package main

import (
	"context"
	"flag"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fetcharr/fetcharr/internal/announce"
	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/approval"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/mediaserver"
	"github.com/fetcharr/fetcharr/internal/pipeline"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/startup"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/websocket"
)

func main() {
	// A .env file is convenient in development; missing is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		Path:            cfg.Logging.Path,
		MaxSizeMB:       cfg.Logging.MaxSizeMB,
		MaxBackups:      cfg.Logging.MaxBackups,
		MaxAgeDays:      cfg.Logging.MaxAgeDays,
		Compress:        cfg.Logging.Compress,
		EnableStreaming: true,
		BufferSize:      1000,
	})
	defer log.Close()

	log.Info().Str("logLevel", cfg.Logging.Level).Msg("Starting fetcharr")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	log.Info().Msg("Running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	st := store.New(db.Conn())
	applySettingOverrides(st, cfg, log)

	hub := websocket.NewHub()
	go hub.Run()

	if b := log.StreamBroadcaster(); b != nil {
		b.SetHub(hub)
		hub.SetLogHistoryProvider(func() any { return b.Recent() })
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	limiter := ratelimit.New(rateCapacities(cfg), log.Logger)

	q := queue.New(st, sched, queue.Config{
		Concurrency:  cfg.Jobs.Concurrency,
		PollInterval: cfg.Jobs.PollInterval(),
	}, log.Logger)

	indexers := indexer.NewService(limiter, log.Logger)
	registerIndexers(indexers, cfg, limiter, log)

	client := downloader.NewMock()
	if cfg.Downloader.DownloadDir != "" {
		client.DownloadDir = cfg.Downloader.DownloadDir
	}

	exec := pipeline.New(st, q, indexers, client, limiter, pipeline.Config{
		RequireApproval:      cfg.Pipeline.RequireApproval,
		ApprovalTimeoutHours: cfg.Pipeline.ApprovalTimeoutHours,
		ApprovalAutoAction:   store.AutoAction(cfg.Pipeline.ApprovalAutoAction),
		DownloadPollInterval: cfg.Pipeline.DownloadPollInterval(),
	}, log.Logger)
	exec.RegisterHandlers()

	for _, spec := range cfg.MediaServers {
		exec.RegisterServer(mediaserver.NewHTTP(mediaserver.HTTPConfig{
			ServerID: spec.ID,
			BaseURL:  spec.URL,
			APIKey:   spec.APIKey,
		}, log.Logger))
	}

	approvals := approval.NewService(st, exec, log.Logger)
	exec.SetApprovals(approvals)
	approvals.OnNewApproval(func(a store.Approval) {
		_ = hub.Broadcast("approval:new", a)
	})
	approvals.OnApprovalProcessed(func(a store.Approval) {
		_ = hub.Broadcast("approval:processed", a)
	})
	q.Subscribe(func(ev queue.Event) {
		_ = hub.Broadcast("job:"+string(ev.Event), ev)
	})

	matcher := announce.NewMatcher(st, exec, log.Logger)

	registerTasks(sched, q, approvals, cfg, matcher, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := startup.WithRetry(ctx, "indexer warmup", startup.DefaultRetryConfig(), func() error {
		return warmupIndexers(ctx, indexers)
	}, log.Logger); err != nil {
		log.Warn().Err(err).Msg("Indexer warmup failed, searches may fail until the network recovers")
	}

	if err := q.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job queue")
	}
	sched.Start()

	var irc *announce.IRCListener
	if cfg.IRC.Enabled {
		irc = announce.NewIRCListener(cfg.IRC, matcher, log.Logger)
		irc.Start()
	}

	server := api.NewServer(cfg, st, q, exec, approvals, sched, hub, log.StreamBroadcaster(), log.Logger)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if irc != nil {
		irc.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown error")
	}
	if err := q.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Queue shutdown error")
	}

	log.Info().Msg("Stopped")
}

// applySettingOverrides lets values persisted through the API win over the
// config file, mirroring how the rest of the settings table works.
func applySettingOverrides(st *store.Store, cfg *config.Config, log *logger.Logger) {
	ctx := context.Background()

	if v, err := st.GetSetting(ctx, "search_retry_interval_hours"); err == nil {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.Search.RetryIntervalHours = hours
			log.Info().Int("hours", hours).Msg("Loaded search retry interval from database")
		}
	}
	if v, err := st.GetSetting(ctx, "require_approval"); err == nil {
		cfg.Pipeline.RequireApproval = v == "true"
		log.Info().Bool("requireApproval", cfg.Pipeline.RequireApproval).Msg("Loaded approval gate from database")
	}
}

func rateCapacities(cfg *config.Config) map[string]int {
	caps := make(map[string]int, len(cfg.RateLimiter))
	for name, spec := range cfg.RateLimiter {
		caps[name] = spec.Capacity
	}
	return caps
}

func registerIndexers(svc *indexer.Service, cfg *config.Config, limiter *ratelimit.Limiter, log *logger.Logger) {
	for _, spec := range cfg.Indexers {
		switch spec.Type {
		case "torznab", "":
			svc.Register(indexer.NewTorznab(indexer.TorznabConfig{
				ID:      spec.ID,
				Name:    spec.Name,
				BaseURL: spec.URL,
				APIKey:  spec.APIKey,
			}, limiter, log.Logger))
		case "private":
			adapter, err := indexer.NewPrivate(indexer.PrivateConfig{
				ID:        spec.ID,
				Name:      spec.Name,
				BaseURL:   spec.URL,
				LoginPath: spec.LoginPath,
				QueryPath: spec.QueryPath,
				Username:  spec.Username,
				Password:  spec.Password,
			}, log.Logger)
			if err != nil {
				log.Error().Err(err).Str("indexer", spec.Name).Msg("Failed to create private indexer")
				continue
			}
			svc.Register(adapter)
		default:
			log.Warn().Str("type", spec.Type).Str("indexer", spec.Name).Msg("Unknown indexer type, skipping")
		}
	}
	log.Info().Int("count", len(svc.Adapters())).Msg("Indexers registered")
}

// warmupIndexers probes each indexer once so startup surfaces network
// problems early instead of on the first user search.
func warmupIndexers(ctx context.Context, svc *indexer.Service) error {
	if len(svc.Adapters()) == 0 {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := svc.Search(probeCtx, indexer.Query{Kind: indexer.KindMovie, Query: "warmup"})
	return err
}

func registerTasks(
	sched *scheduler.Scheduler,
	q *queue.Queue,
	approvals *approval.Service,
	cfg *config.Config,
	matcher *announce.Matcher,
	log *logger.Logger,
) {
	mustRegister := func(id, label string, interval time.Duration, fn scheduler.TaskFunc) {
		if err := sched.Register(id, label, interval, fn); err != nil {
			log.Fatal().Err(err).Str("task", id).Msg("Failed to register task")
		}
	}

	enqueue := func(jobType, dedupeKey string) scheduler.TaskFunc {
		return func(ctx context.Context) error {
			_, err := q.AddIfNotExists(ctx, jobType, struct{}{}, dedupeKey, queue.Options{Priority: 1})
			return err
		}
	}

	retryInterval := time.Duration(cfg.Search.RetryIntervalHours) * time.Hour
	if retryInterval <= 0 {
		retryInterval = 6 * time.Hour
	}
	mustRegister("retry-awaiting", "Retry searches for waiting requests", retryInterval,
		enqueue(pipeline.TypeRetryAwaiting, pipeline.TypeRetryAwaiting))

	syncInterval := time.Duration(cfg.Library.SyncIntervalHours) * time.Hour
	if syncInterval <= 0 {
		syncInterval = 24 * time.Hour
	}
	mustRegister("library-sync", "Reconcile media server libraries", syncInterval,
		enqueue(pipeline.TypeLibrarySync, pipeline.TypeLibrarySync))

	checkNewInterval := time.Duration(cfg.Library.CheckNewEpisodesHours) * time.Hour
	if checkNewInterval <= 0 {
		checkNewInterval = 12 * time.Hour
	}
	mustRegister("tv-check-new", "Check tracked series for new episodes", checkNewInterval,
		enqueue(pipeline.TypeTVCheckNew, pipeline.TypeTVCheckNew))

	mustRegister("ratelimit-cleanup", "Drop idle rate limit buckets", time.Hour,
		enqueue(pipeline.TypeRateLimitCleanup, pipeline.TypeRateLimitCleanup))

	mustRegister("approval-timeouts", "Apply expired approval auto actions", approval.CheckInterval,
		approvals.CheckTimeouts)

	if cfg.RSS.Enabled && len(cfg.RSS.FeedURLs) > 0 {
		poller := announce.NewPoller(cfg.RSS.FeedURLs, matcher, log.Logger)
		mustRegister("rss-poll", "Poll announce RSS feeds", cfg.RSS.PollInterval(), poller.Poll)
	}
}
