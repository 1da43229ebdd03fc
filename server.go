package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperdxio/opentelemetry-logs-go/exporters/otlp/otlplogs"
	sdk "github.com/hyperdxio/opentelemetry-logs-go/sdk/logs"
	"github.com/hyperdxio/otel-config-go/otelconfig"

	"salescoachdev/classifier"
	"salescoachdev/config"
	"salescoachdev/contextbuilder"
	"salescoachdev/curriculum"
	"salescoachdev/database/postgres"
	"salescoachdev/httpapi"
	"salescoachdev/humanize"
	"salescoachdev/logger"
	"salescoachdev/metrics"
	"salescoachdev/modelapi"
	"salescoachdev/modelapi/geminiapi"
	"salescoachdev/modelapi/openaiapi"
	"salescoachdev/retrieval"
	"salescoachdev/session"
	"salescoachdev/telegram"
)

// provider is what both model clients offer.
type provider interface {
	Complete(ctx context.Context, prompt string, opts modelapi.CompleteOptions) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// app holds every wired component. db and the corpus components are nil without Postgres.
type app struct {
	cfg        *config.Config
	log        *logger.LogMiddleware
	metrics    *metrics.Recorder
	curriculum *curriculum.Store
	db         *postgres.Database

	search   *retrieval.Engine
	indexer  *retrieval.Indexer
	tagger   *classifier.Tagger
	reviewer *classifier.Reviewer
	engine   *session.Engine

	// connectBot is telegram.Connect unless replaced in tests.
	connectBot func(ctx context.Context, args telegram.TelegramConnectProps) (*telegram.Telegram, error)

	closers []func()
}

func main() {
	godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, connectBot: telegram.Connect}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		return nil, fmt.Errorf("set up otel sdk: %w", err)
	}
	a.closers = append(a.closers, otelShutdown)

	var loggerProvider *sdk.LoggerProvider
	if cfg.Production {
		logExporter, _ := otlplogs.NewExporter(ctx)
		loggerProvider = sdk.NewLoggerProvider(sdk.WithBatcher(logExporter))
		a.closers = append(a.closers, func() { loggerProvider.Shutdown(context.Background()) })
	}
	a.log = logger.Connect(logger.LoggerConnectProps{Production: cfg.Production, LoggerProvider: loggerProvider, Debug: cfg.Debug})
	a.closers = append(a.closers, a.log.Sync)
	a.metrics = metrics.NewRecorder(prometheus.DefaultRegisterer)

	if cfg.Curriculum.Path != "" {
		a.curriculum, err = curriculum.NewStore(cfg.Curriculum.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load curriculum: %w", err)
		}
	} else {
		cur, err := curriculum.Default()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load default curriculum: %w", err)
		}
		a.curriculum = curriculum.NewStaticStore(cur)
	}

	generator, err := a.provider(ctx, cfg.Providers.Generation)
	if err != nil {
		a.close()
		return nil, err
	}
	embedder, err := a.provider(ctx, cfg.Providers.Embedding)
	if err != nil {
		a.close()
		return nil, err
	}

	var repo session.Repository = session.NewMemoryRepository()
	var grounder session.Grounder
	if cfg.Postgres.Enabled() {
		a.db, err = postgres.Connect(ctx, postgres.DatabaseConnectProps{
			Logger:   a.log,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Name:     cfg.Postgres.Name,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { a.db.Close() })
		if err := a.db.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
		repo = a.db

		a.search = retrieval.NewEngine(retrieval.EngineProps{
			Logger:           a.log,
			Embedder:         embedder,
			Store:            a.db,
			Metrics:          a.metrics,
			DefaultLimit:     cfg.Retrieval.Limit,
			DefaultThreshold: cfg.Retrieval.Threshold,
			Timeout:          cfg.Providers.Timeout,
		})
		grounder = a.search
		a.indexer = retrieval.NewIndexer(retrieval.IndexerProps{
			Logger:        a.log,
			Embedder:      embedder,
			Store:         a.db,
			Metrics:       a.metrics,
			Delay:         cfg.IndexDelay,
			MaxInputChars: cfg.Providers.EmbedMaxInputChars,
			Timeout:       cfg.Providers.Timeout,
		})
		a.tagger = classifier.NewTagger(classifier.TaggerProps{
			Logger:     a.log,
			Store:      a.db,
			Classifier: classifier.New(a.curriculum),
			Metrics:    a.metrics,
			BatchSize:  cfg.TagBatchSize,
		})
		a.reviewer = classifier.NewReviewer(classifier.ReviewerProps{
			Logger:     a.log,
			Store:      a.db,
			Curriculum: a.curriculum,
			Metrics:    a.metrics,
		})
	} else {
		a.log.Logger(ctx).Warn("[Server] POSTGRES_DB_HOST not set, sessions stay in memory and retrieval is off")
	}

	a.engine = session.NewEngine(session.EngineProps{
		Logger:     a.log,
		Repository: repo,
		Curriculum: a.curriculum,
		Builder: contextbuilder.New(contextbuilder.BuilderProps{
			Logger:    a.log,
			Generator: generator,
			Metrics:   a.metrics,
			Timeout:   cfg.Providers.Timeout,
		}),
		Grounder:     grounder,
		Generator:    generator,
		Metrics:      a.metrics,
		RetryCeiling: cfg.Session.RetryCeiling,
		ForcePenalty: cfg.Session.ForcePenalty,
		SuccessAward: cfg.Session.SuccessAward,
		Timeout:      cfg.Providers.Timeout,
	})
	return a, nil
}

func (a *app) provider(ctx context.Context, name string) (provider, error) {
	p := a.cfg.Providers
	switch name {
	case config.ProviderGemini:
		return geminiapi.Connect(ctx, geminiapi.GeminiConnectProps{
			Logger:         a.log,
			Metrics:        a.metrics,
			APIKey:         p.GeminiKey,
			Model:          p.GeminiModel,
			EmbeddingModel: p.GeminiEmbeddingModel,
			MaxWorkers:     p.MaxWorkers,
			MaxInputChars:  p.EmbedMaxInputChars,
		})
	case config.ProviderOpenAI:
		return openaiapi.Connect(ctx, openaiapi.OpenAIConnectProps{
			Logger:         a.log,
			Metrics:        a.metrics,
			APIKey:         p.OpenAIKey,
			BaseURL:        p.OpenAIBaseURL,
			ChatModel:      p.OpenAIChatModel,
			EmbeddingModel: p.OpenAIEmbeddingModel,
			MaxWorkers:     p.MaxWorkers,
			MaxInputChars:  p.EmbedMaxInputChars,
		}), nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

// requireStore is for commands that only make sense against the document store.
func (a *app) requireStore() error {
	if a.db == nil {
		return errors.New("POSTGRES_DB_HOST is not set, the document store is required for this command")
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) serve(ctx context.Context) error {
	Logger := a.log.Logger(ctx)
	if a.cfg.Production {
		Logger.Info("[Server] Starting in production mode")
	} else {
		Logger.Info("[Server] Starting in development mode")
	}

	server := httpapi.ServerProps{
		Logger:     a.log,
		Sessions:   a.engine,
		Curriculum: a.curriculum,
	}
	if a.db != nil {
		server.Search = a.search
		server.Indexer = a.indexer
		server.Tagger = a.tagger
		server.Reviewer = a.reviewer
		server.Ready = a.db.Ping
	}
	// The bot connects before anything listens so a bad token fails the start cleanly.
	bot, err := a.telegramBot(ctx)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           httpapi.New(server).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		Logger.Info("[Server] Listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		Logger.Info("[Server] Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.Curriculum.Watch {
		g.Go(func() error {
			return a.curriculum.Watch(ctx, a.log, nil)
		})
	}

	if bot != nil {
		g.Go(func() error {
			bot.Listen(ctx)
			return nil
		})
	}

	return g.Wait()
}

// telegramBot connects the bot when a token is configured and returns nil otherwise.
func (a *app) telegramBot(ctx context.Context) (*telegram.Telegram, error) {
	if a.cfg.Telegram.Token == "" {
		return nil, nil
	}
	var learners telegram.Learners
	if a.db != nil {
		learners = a.db
	}
	var policy *humanize.Policy
	if a.cfg.Humanize.Enabled {
		policy = &humanize.Policy{Rate: a.cfg.Humanize.Rate, Seed: a.cfg.Humanize.Seed}
	}
	connect := a.connectBot
	if connect == nil {
		connect = telegram.Connect
	}
	return connect(ctx, telegram.TelegramConnectProps{
		Logger:   a.log,
		Sessions: a.engine,
		Learners: learners,
		Humanize: policy,
		Token:    a.cfg.Telegram.Token,
		Debug:    a.cfg.Telegram.Debug,
	})
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return a.serve(ctx)
}
