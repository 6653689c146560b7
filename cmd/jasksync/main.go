package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jask/jasksync/internal/aggregator"
	"github.com/jask/jasksync/internal/config"
	"github.com/jask/jasksync/internal/database"
	"github.com/jask/jasksync/internal/database/repository"
	"github.com/jask/jasksync/internal/notify"
	"github.com/jask/jasksync/internal/secrets"
	"github.com/jask/jasksync/internal/service"
	"github.com/jask/jasksync/internal/testdata"
)

func main() {
	var (
		userID       = flag.String("user", "", "user id to sync")
		full         = flag.Bool("full", false, "full sync instead of incremental")
		background   = flag.Bool("background", false, "keep running and sync periodically")
		interval     = flag.Duration("interval", 0, "background sync interval (default from config)")
		seed         = flag.Bool("seed", false, "populate sample accounts and transactions, then exit")
		reset        = flag.Bool("reset", false, "wipe all synced data, then exit")
		clientSecret = flag.String("set-client-secret", "", "store the aggregator client secret, then exit")
	)
	flag.Parse()

	if *clientSecret != "" {
		if err := secrets.Store(secrets.AggregatorSecret, *clientSecret); err != nil {
			log.Fatalf("store client secret: %v", err)
		}
		fmt.Println("aggregator client secret stored")
		return
	}

	if *userID == "" && !*reset {
		log.Fatal("missing -user")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Log.Level)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("mkdir db dir: %v", err)
	}
	if err := database.RunMigrations(cfg.Database.Path, "internal/database/migrations"); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	maint := &service.MaintenanceService{DB: db}

	if *reset {
		if err := maint.Reset(ctx); err != nil {
			log.Fatalf("reset: %v", err)
		}
		logger.Info().Msg("synced data wiped")
		return
	}

	// repositories
	acctRepo := repository.NewAccountRepo(db)
	txRepo := repository.NewTransactionRepo(db)
	reviewRepo := repository.NewReviewRepo(db)

	if *seed {
		err := testdata.Seed(ctx, testdata.Repos{Accounts: acctRepo, Transactions: txRepo}, *userID)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		logger.Info().Str("user", *userID).Msg("sample data created")
		return
	}

	if purged, err := maint.PurgeResolvedReviews(ctx, cfg.Sync.ReviewRetention()); err != nil {
		logger.Warn().Err(err).Msg("review purge failed")
	} else if purged > 0 {
		logger.Info().Int64("purged", purged).Msg("expired manual reviews removed")
	}

	// collaborators
	client := aggregator.NewHTTPClient(cfg.Aggregator.BaseURL, cfg.Aggregator.APITimeout(), logger)
	if secret, err := secrets.Fetch(secrets.AggregatorSecret); err == nil {
		client.WithClientSecret(secret)
	}
	dispatcher := &notify.Dispatcher{
		Deliverer:         logDeliverer{logger},
		Log:               logger,
		LongSyncThreshold: 2 * time.Minute,
	}

	// engine
	status := service.NewStatusTracker()
	reconciler := &service.Reconciler{
		Reviews:           reviewRepo,
		DeactivationGrace: cfg.Sync.DeactivationGrace(),
		SimilarityFloor:   cfg.Sync.DuplicateSimilarityFloor,
	}
	syncer := &service.AccountSyncer{
		Accounts:     acctRepo,
		Transactions: txRepo,
		Reconciler:   reconciler,
		Aggregator:   client,
		Retry:        service.NewRetryPolicy(cfg.Retry),
		Status:       status,
		Window:       cfg.Sync.TransactionWindow(),
		Log:          logger,
	}
	orch := service.NewOrchestrator(acctRepo, syncer, status, dispatcher, logger)
	orch.Concurrency = cfg.Sync.Concurrency
	orch.Staleness = cfg.Sync.Staleness()
	orch.BackgroundInterval = cfg.Sync.BackgroundInterval()
	orch.RateLimitCooldown = cfg.Sync.RateLimitCooldown()

	if *background {
		every := cfg.Sync.BackgroundInterval()
		if *interval > 0 {
			every = *interval
		}
		orch.ScheduleBackgroundSync(*userID, every)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
		<-stop
		logger.Info().Msg("shutting down")
		orch.CancelSync(*userID)
		orch.StopBackgroundSync(*userID)
		return
	}

	var res *service.SyncResult
	if *full {
		res, err = orch.SyncAllAccounts(ctx, *userID)
	} else {
		res, err = orch.IncrementalSync(ctx, *userID)
	}
	if err != nil {
		log.Fatalf("sync: %v", err)
	}

	logger.Info().
		Str("result", string(res.Kind)).
		Int("accounts_updated", res.Counters.AccountsUpdated).
		Int("transactions_added", res.Counters.TransactionsAdded).
		Int("transactions_updated", res.Counters.TransactionsUpdated).
		Int("conflicts_resolved", res.Counters.ConflictsResolved).
		Dur("duration", res.Duration).
		Msg("sync finished")
	for _, se := range res.Errors {
		logger.Warn().Str("kind", string(se.Kind)).Str("account", se.AccountID).Msg(se.Error())
	}
}

func newLogger(level string) zerolog.Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lv).With().Timestamp().Logger()
}

// logDeliverer writes notification events to the log; real delivery (push,
// in-app) comes from the app layer embedding this engine.
type logDeliverer struct {
	log zerolog.Logger
}

func (d logDeliverer) Deliver(_ context.Context, e notify.Event) error {
	d.log.Info().Str("type", string(e.Type)).Str("user", e.UserID).Msg(fmt.Sprintf("notify: %s", e.Message))
	return nil
}
