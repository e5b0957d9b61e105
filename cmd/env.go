package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docextract/internal/entity"
	"github.com/sells-group/docextract/internal/llm"
	"github.com/sells-group/docextract/internal/progress"
	"github.com/sells-group/docextract/internal/resilience"
	"github.com/sells-group/docextract/internal/store"
	"github.com/sells-group/docextract/internal/worker"
	"github.com/sells-group/docextract/pkg/anthropic"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPublisher builds the configured progress sink. The returned closer is
// never nil.
func initPublisher(ctx context.Context) (progress.Publisher, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Progress.Driver {
	case "none":
		return progress.Nop{}, nop, nil
	case "", "log":
		return progress.LogPublisher{}, nop, nil
	case "redis":
		rp, err := progress.NewRedisPublisher(ctx, cfg.Progress.RedisAddr, cfg.Progress.ChannelPrefix)
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("progress events published to redis",
			zap.String("addr", cfg.Progress.RedisAddr),
			zap.String("prefix", cfg.Progress.ChannelPrefix),
		)
		return progress.Multi{rp, progress.LogPublisher{}}, rp.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported progress driver: %s", cfg.Progress.Driver)
	}
}

// newLLMClient wires the model client with the configured retry and rate policy.
func newLLMClient() *llm.Client {
	api := anthropic.NewClient(cfg.Anthropic.Key, anthropic.Options{
		BaseURL: cfg.Anthropic.BaseURL,
		Timeout: time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
	})
	return llm.New(api, llm.Options{
		Retry: resilience.FromRetryConfig(
			cfg.LLM.MaxAttempts,
			cfg.LLM.BaseDelayMs,
			cfg.LLM.MaxDelayMs,
			cfg.LLM.JitterFraction,
			cfg.LLM.MaxParseRetries,
		),
		Limiter: resilience.FromRateConfig(
			cfg.LLM.RequestsPerSecond,
			cfg.LLM.Burst,
			cfg.LLM.MinRequestsPerSecond,
			cfg.LLM.MaxRequestsPerSecond,
		),
	})
}

// workerEnv holds the resources needed to execute jobs.
type workerEnv struct {
	Store     store.Store
	Publisher progress.Publisher
	Worker    *worker.Worker

	closePublisher func() error
}

// Close releases the publisher and the store.
func (e *workerEnv) Close() {
	if err := e.closePublisher(); err != nil {
		zap.L().Warn("close publisher", zap.Error(err))
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initWorker(ctx context.Context) (*workerEnv, error) {
	if err := cfg.Validate("worker"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	pub, closePub, err := initPublisher(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	client := newLLMClient()
	identifier, err := entity.NewIdentifier(client, cfg.Anthropic.Model)
	if err != nil {
		_ = closePub()
		_ = st.Close()
		return nil, err
	}

	w := worker.New(worker.Deps{
		Store:     st,
		Extractor: client,
		Entities:  identifier,
		Publisher: pub,
	}, worker.Options{
		FailureLimit:        cfg.Worker.ConsecutiveFailureLimit,
		CheckpointEvery:     cfg.Worker.CheckpointEvery,
		VariableConcurrency: cfg.Worker.VariableConcurrency,
		PublishTimeout:      time.Duration(cfg.Worker.PublishTimeoutMs) * time.Millisecond,
	})

	return &workerEnv{Store: st, Publisher: pub, Worker: w, closePublisher: closePub}, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write output")
}
