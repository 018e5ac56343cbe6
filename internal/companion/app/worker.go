package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/affinity"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/metrics"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/outbox"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/graph"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/relational"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/vector"
	infraapp "github.com/rhao5556-beep/peiban-sub000/pkg/infra/app"
	"github.com/rhao5556-beep/peiban-sub000/pkg/infra/pool"
)

const (
	workerName        = "companion-worker"
	workerDescription = `Companion memory core background worker

Drains C1's outbox into C2/C3 (§4.7), and periodically sweeps every active
user through C2's time decay (§4.2) and C10's silence decay (§4.6).`
)

// NewWorkerApp builds the cobra/viper-bootstrapped companion worker.
func NewWorkerApp() *infraapp.App {
	opts := config.NewOptions()

	return infraapp.NewApp(
		infraapp.WithName(workerName),
		infraapp.WithDescription(workerDescription),
		infraapp.WithOptions(opts),
		infraapp.WithRunFunc(func() error {
			return RunWorker(opts)
		}),
	)
}

// RunWorker boots the same store/provider layer as RunServer, then drives
// the outbox drain loop and the two periodic decay sweeps until SIGINT or
// SIGTERM. The outbox drain runs on its own pool.BackgroundPoolConfig()-sized
// worker pool; the two decay sweeps share a second pool of the same size, so
// decay work never starves the outbox drain of background concurrency.
func RunWorker(opts *config.Options) error {
	if err := opts.Log.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Infow("starting companion worker", "version", infraapp.GetVersion())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := relational.Open(ctx, opts.Postgres)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}

	redisClient := newRedisClient(opts)
	defer redisClient.Close()

	vectorStore, err := vector.New(ctx, opts.Milvus, opts.Companion.EmbeddingDimension)
	if err != nil {
		return fmt.Errorf("failed to open milvus: %w", err)
	}
	defer vectorStore.Close(ctx)

	embedProvider, chatProvider := newLLMProviders(opts)

	relStore := relational.New(db)
	graphStore := graph.New(db)
	affinitySvc := affinity.New(relStore, redisClient, affinity.DefaultCacheConfig())

	outboxPool, err := pool.NewPool("outbox", pool.BackgroundPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to create outbox pool: %w", err)
	}
	defer outboxPool.Release()

	metricsRecorder := metrics.New(0)
	go metricsRecorder.StartPeriodicLogging(ctx, ambientMetricsLogInterval)

	worker := outbox.NewWorker(relStore, graphStore, vectorStore, embedProvider, chatProvider, outboxPool, outbox.WorkerConfig{
		PollInterval:         time.Duration(opts.Companion.WorkerPollIntervalSeconds) * time.Second,
		LeaseTimeout:         time.Duration(opts.Companion.WorkerLeaseTimeoutSeconds) * time.Second,
		DLQRetryThreshold:    opts.Companion.DLQRetryThreshold,
		BatchSize:            50,
		BacklogHighWaterMark: 1000,
		EventBudget:          time.Duration(opts.Companion.WorkerLeaseTimeoutSeconds/2) * time.Second,
	}).WithMetrics(metricsRecorder)

	decayPool, err := pool.NewPool("decay", pool.BackgroundPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to create decay pool: %w", err)
	}
	defer decayPool.Release()

	errCh := make(chan error, 3)
	go func() { errCh <- worker.Run(ctx) }()
	go func() { errCh <- runGraphDecaySweep(ctx, relStore, graphStore, decayPool, opts.Companion) }()
	go func() { errCh <- runSilenceDecaySweep(ctx, relStore, affinitySvc, decayPool) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("worker loop exited with error", "error", err.Error())
		}
	case <-quit:
		logger.Info("shutting down companion worker")
	}
	cancel()
	return nil
}

// runGraphDecaySweep applies C2's time decay to every active user on a
// fixed cadence (half the configured half-life is overkill for a sweep
// period; once per day is the usual deployment cadence, so the interval is
// fixed here rather than exposed as a knob the spec never names).
func runGraphDecaySweep(ctx context.Context, store *relational.Store, g *graph.Store, p *pool.Pool, cfg *config.CompanionOptions) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			userIDs, err := store.ListActiveUserIDs(ctx)
			if err != nil {
				logger.Errorw("graph decay sweep: failed to list active users", "error", err.Error())
				continue
			}
			for _, userID := range userIDs {
				uid := userID
				if err := p.Submit(func() {
					if _, err := g.ApplyTimeDecay(ctx, uid, cfg.HalfLifeDays, cfg.EdgeWeightFloor); err != nil {
						logger.Errorw("graph decay failed", "user_id", uid, "error", err.Error())
					}
				}); err != nil {
					logger.Errorw("graph decay sweep: pool rejected task", "user_id", uid, "error", err.Error())
				}
			}
		}
	}
}

// runSilenceDecaySweep applies C10's silence decay to every active user on
// the same daily cadence as the graph decay sweep.
func runSilenceDecaySweep(ctx context.Context, store *relational.Store, affinitySvc *affinity.Service, p *pool.Pool) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			userIDs, err := store.ListActiveUserIDs(ctx)
			if err != nil {
				logger.Errorw("silence decay sweep: failed to list active users", "error", err.Error())
				continue
			}
			for _, userID := range userIDs {
				uid := userID
				if err := p.Submit(func() {
					if _, err := affinitySvc.ApplySilenceDecay(ctx, uid); err != nil {
						logger.Errorw("silence decay failed", "user_id", uid, "error", err.Error())
					}
				}); err != nil {
					logger.Errorw("silence decay sweep: pool rejected task", "user_id", uid, "error", err.Error())
				}
			}
		}
	}
}
