// Command server is the arena rating engine: it rates AI agents playing
// head-to-head contests, proposes the pairings that resolve skill
// fastest, and serves the dashboard API. The same binary carries the
// operational modes: schema migration, ledger replay, compressed ledger
// export, and a local batch run with a progress bar.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/82deutschmark/arc-explainer-sub014/server/config"
	"github.com/82deutschmark/arc-explainer-sub014/server/logging"
	"github.com/82deutschmark/arc-explainer-sub014/server/metrics"
	"github.com/82deutschmark/arc-explainer-sub014/server/pairing"
	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
	"github.com/82deutschmark/arc-explainer-sub014/server/runner"
	"github.com/82deutschmark/arc-explainer-sub014/server/store"
	"github.com/82deutschmark/arc-explainer-sub014/server/tourney"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath   = flag.String("config", "", "path to YAML config (optional)")
		migrate      = flag.Bool("migrate", false, "apply the database schema and exit")
		replay       = flag.Bool("replay", false, "rebuild the rating table from the ledger and exit")
		exportLedger = flag.String("export-ledger", "", "write the ledger as zstd JSONL to this file and exit")
		batchSize    = flag.Int("batch", 0, "run a batch of this many pairings over all participants and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	if *migrate {
		pg, ok := st.(*store.Postgres)
		if !ok {
			log.Fatal("migrate requires DATABASE_URL")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
		log.Info("schema applied")
		return
	}

	// One interpreter/updater tuning for live updates and replay, so a
	// rebuilt table matches the one the live path produced.
	interp := rating.Interpreter{ExpectedRounds: cfg.Rating.ExpectedRounds}
	updater := rating.Updater{Beta: cfg.Rating.Beta, ReductionRate: cfg.Rating.ReductionRate}

	if *replay {
		// The ledger is the source of truth; a failure here means the
		// source of truth itself is unreadable, which nothing downstream
		// can recover from.
		applied, err := store.Rebuild(ctx, st, interp, updater, log)
		if err != nil {
			log.Fatal("ledger replay", zap.Error(err))
		}
		log.Info("ratings rebuilt", zap.Int("records", applied))
		return
	}

	if *exportLedger != "" {
		if err := exportLedgerFile(ctx, st, *exportLedger, log); err != nil {
			log.Fatal("export ledger", zap.Error(err))
		}
		return
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	sched := tourney.New(tourney.Config{
		Store:       st,
		Runner:      newRunnerClient(cfg, log),
		Interpreter: interp,
		Updater:     updater,
		Matchmaker: pairing.Matchmaker{
			Weights: pairing.Weights{
				Unseen:      cfg.Matchmaker.UnseenWeight,
				LowGames:    cfg.Matchmaker.LowGamesWeight,
				SkillGap:    cfg.Matchmaker.SkillGapWeight,
				Uncertainty: cfg.Matchmaker.UncertaintyWeight,
			},
			Beta:         cfg.Rating.Beta,
			AllowRepeats: cfg.Matchmaker.AllowRepeats,
		},
		Metrics:    met,
		Logger:     log,
		ArenaSlots: int64(cfg.Runner.ArenaSlots),
	})

	if *batchSize > 0 {
		if err := runLocalBatch(ctx, st, sched, *batchSize); err != nil {
			log.Fatal("batch", zap.Error(err))
		}
		return
	}

	serve(ctx, cfg, st, sched, met, reg, log)
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.Database.URL == "" || cfg.Database.Ephemeral {
		log.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func newRunnerClient(cfg config.Config, log *zap.Logger) runner.Client {
	return runner.NewHTTPClient(runner.HTTPConfig{
		BaseURL: cfg.Runner.BaseURL,
		APIKey:  cfg.Runner.APIKey,
		Timeout: time.Duration(cfg.Runner.TimeoutSeconds) * time.Second,
		RPS:     cfg.Runner.RPS,
		Burst:   cfg.Runner.Burst,
	}, log)
}

func serve(ctx context.Context, cfg config.Config, st store.Store, sched *tourney.Scheduler,
	met *metrics.Metrics, reg *prometheus.Registry, log *zap.Logger) {

	a := &api{st: st, sched: sched, met: met, reg: reg, log: log, baseCtx: ctx}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(a),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}

// runLocalBatch schedules one batch over every registered participant
// and drives it with a progress bar, then prints the final ranking.
func runLocalBatch(ctx context.Context, st store.Store, sched *tourney.Scheduler, size int) error {
	parts, err := st.ListParticipants(ctx)
	if err != nil {
		return err
	}
	pool := make([]int64, 0, len(parts))
	for _, p := range parts {
		pool = append(pool, p.ID)
	}

	batchID, err := sched.ScheduleBatch(ctx, pool, size)
	if err != nil {
		return err
	}
	bar := pb.StartNew(size)
	err = sched.Run(ctx, batchID, func(done, total int) {
		bar.SetCurrent(int64(done))
	})
	bar.Finish()
	if err != nil {
		return err
	}

	status, err := sched.Status(batchID)
	if err != nil {
		return err
	}
	fmt.Printf("batch %d: %d played, %d failed\n\n", batchID, status.Completed, status.Failed)

	board, err := buildLeaderboard(ctx, st)
	if err != nil {
		return err
	}
	renderLeaderboard(os.Stdout, board)
	return nil
}

func exportLedgerFile(ctx context.Context, st store.Store, path string, log *zap.Logger) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	count, err := store.ExportLedger(ctx, st, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.Info("ledger exported", zap.String("path", path), zap.Int("records", count))
	return nil
}
