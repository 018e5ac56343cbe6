// Package app wires the companion core's C1-C12 components into the two
// deployable processes named in SPEC_FULL.md's module layout: the HTTP
// server (this file) and the outbox/decay worker (worker.go). Both share
// the same store/provider bootstrap, grounded on the reference's
// internal/rag/app.go Run() sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/affinity"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/conflict"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/conversation"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/httpapi"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/metrics"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/outbox"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/retrieval"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/graph"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/relational"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/vector"
	infraapp "github.com/rhao5556-beep/peiban-sub000/pkg/infra/app"
	"github.com/rhao5556-beep/peiban-sub000/pkg/infra/middleware"
	llmopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/llm"
	mwopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/middleware"
	"github.com/rhao5556-beep/peiban-sub000/pkg/llm/httpprovider"
	"github.com/rhao5556-beep/peiban-sub000/pkg/security/auth/jwt"
)

const (
	serverName        = "companion-server"
	serverDescription = `Companion memory core HTTP server

Serves C12's bearer-token-authenticated turn, memory, affinity, and graph
endpoints over HTTP/SSE, backed by Postgres (C1/C2), Milvus (C3), and an
HTTP-delegating LLM provider (C4/C5).`

	// ambientMetricsLogInterval is the cadence for logging the
	// internal/companion/metrics Recorder snapshot (DLQ depth, outbox lag,
	// clarification rate) per SPEC_FULL.md's ambient-counters component.
	ambientMetricsLogInterval = 30 * time.Second
)

// NewServerApp builds the cobra/viper-bootstrapped companion HTTP server.
func NewServerApp() *infraapp.App {
	opts := config.NewOptions()

	return infraapp.NewApp(
		infraapp.WithName(serverName),
		infraapp.WithDescription(serverDescription),
		infraapp.WithOptions(opts),
		infraapp.WithRunFunc(func() error {
			return RunServer(opts)
		}),
	)
}

// RunServer boots every companion store/provider/service and serves C12
// over HTTP until it receives SIGINT/SIGTERM, then drains in-flight
// requests within Companion's shutdown budget.
func RunServer(opts *config.Options) error {
	if err := opts.Log.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Infow("starting companion server", "version", infraapp.GetVersion())

	ctx := context.Background()

	db, err := relational.Open(ctx, opts.Postgres)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	logger.Info("postgres store initialized")

	redisClient := newRedisClient(opts)
	defer redisClient.Close()
	logger.Info("redis client initialized")

	vectorStore, err := vector.New(ctx, opts.Milvus, opts.Companion.EmbeddingDimension)
	if err != nil {
		return fmt.Errorf("failed to open milvus: %w", err)
	}
	defer vectorStore.Close(ctx)
	logger.Info("vector store initialized")

	embedProvider, chatProvider := newLLMProviders(opts)
	logger.Infow("llm providers initialized",
		"embedding.base_url", opts.Embedding.BaseURL,
		"chat.base_url", opts.Chat.BaseURL,
	)

	relStore := relational.New(db)
	graphStore := graph.New(db)

	metricsRecorder := metrics.New(0)
	go metricsRecorder.StartPeriodicLogging(ctx, ambientMetricsLogInterval)

	affinitySvc := affinity.New(relStore, redisClient, affinity.DefaultCacheConfig())
	conflictSvc := conflict.New(relStore, opts.Companion).WithMetrics(metricsRecorder)
	retrievalSvc := retrieval.New(relStore, vectorStore, graphStore, relStore, embedProvider, opts.Companion)
	conversationSvc := conversation.New(
		relStore, outbox.NewWriter(relStore), relStore, graphStore,
		affinitySvc, conflictSvc, retrievalSvc, chatProvider, embedProvider, opts.Companion,
	)
	logger.Info("companion services composed")

	authenticator, err := newAuthenticator(opts, redisClient)
	if err != nil {
		return fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	handler := httpapi.New(conversationSvc, affinitySvc, relStore, graphStore, authenticator)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	engine := newEngine(sqlDB.Ping)
	httpapi.Register(engine, handler, authenticator)
	logger.Info("http routes registered")

	return serveWithGracefulShutdown(engine, opts.HTTP)
}

func newRedisClient(opts *config.Options) *goredis.Client {
	r := opts.Redis
	return goredis.NewClient(&goredis.Options{
		Addr:         fmt.Sprintf("%s:%d", r.Host, r.Port),
		Password:     r.Password,
		DB:           r.Database,
		MaxRetries:   r.MaxRetries,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
		PoolTimeout:  r.PoolTimeout,
	})
}

// newLLMProviders returns the embedding-only half as llm.EmbeddingProvider
// and the chat half as the full llm.Provider (ReplyProvider+Extractor),
// since C7's outbox worker needs the chat model's Extract method as well.
func newLLMProviders(opts *config.Options) (llm.EmbeddingProvider, llm.Provider) {
	embed := httpprovider.New(providerConfig(opts.Embedding, opts.Companion.EmbeddingDimension))
	chat := httpprovider.New(providerConfig(opts.Chat, opts.Companion.EmbeddingDimension))
	return embed, chat
}

func providerConfig(o *llmopts.ProviderOptions, dimension int) httpprovider.Config {
	return httpprovider.Config{
		BaseURL:        o.BaseURL,
		APIKey:         o.APIKey,
		ChatModel:      o.Model,
		EmbeddingModel: o.Model,
		Dimension:      dimension,
		Timeout:        o.Timeout,
		MaxRetries:     o.MaxRetries,
	}
}

// newAuthenticator builds C12's token verifier. pkg/options/jwt.Options
// (the config-declarable shape) and pkg/security/auth/jwt.Options (the
// signer/verifier's own shape) are structurally identical but distinct
// named types, so fields are copied across via the With* options rather
// than jwt.WithOptions.
func newAuthenticator(opts *config.Options, redisClient *goredis.Client) (*jwt.JWT, error) {
	j := opts.JWT
	return jwt.New(
		jwt.WithKey(j.Key),
		jwt.WithSigningMethod(j.SigningMethod),
		jwt.WithExpired(j.Expired),
		jwt.WithMaxRefresh(j.MaxRefresh),
		jwt.WithIssuer(j.Issuer),
		jwt.WithAudience(j.Audience...),
		jwt.WithPublicKey(j.PublicKey),
		jwt.WithKeyID(j.KeyID),
		jwt.WithStore(jwt.NewRedisStore(redisClient, "companion:jwt:")),
	)
}

// newEngine assembles a plain gin.Engine with recovery plus the reference's
// gin-native health/metrics/pprof/version helpers, bypassing
// pkg/infra/server's Manager/bridge abstraction (see DESIGN.md).
func newEngine(ping func() error) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	middleware.RegisterHealthRoutesWithOptions(engine, mwopts.HealthOptions{
		Path:          "/health",
		LivenessPath:  "/health/live",
		ReadinessPath: "/health/ready",
		Checker:       ping,
	}, ping)

	middleware.RegisterMetricsRoutesWithOptions(engine, mwopts.MetricsOptions{
		Path:      "/metrics",
		Namespace: "companion",
		Subsystem: "server",
	})

	middleware.RegisterPprofRoutesWithOptions(engine, mwopts.PprofOptions{
		Prefix: "/debug/pprof",
	})

	middleware.RegisterVersionRoutes(engine, *mwopts.NewVersionOptions())

	return engine
}

func serveWithGracefulShutdown(engine *gin.Engine, httpOpts *config.HTTPOptions) error {
	srv := &http.Server{
		Addr:         httpOpts.Addr,
		Handler:      engine,
		ReadTimeout:  httpOpts.ReadTimeout,
		WriteTimeout: httpOpts.WriteTimeout,
		IdleTimeout:  httpOpts.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "addr", httpOpts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down companion server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpOpts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-serveErr
}
