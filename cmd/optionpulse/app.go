package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"optionpulse/config"
	"optionpulse/internal/chain"
	"optionpulse/internal/market"
	"optionpulse/internal/memorystore"
	"optionpulse/internal/prediction"
	"optionpulse/internal/query"
	"optionpulse/internal/stream"
	"optionpulse/internal/universe"
	"optionpulse/logger"
	"optionpulse/pkg/cache"
	"optionpulse/pkg/kite"
	"optionpulse/pkg/storage/postgres"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// app holds what every command needs: config, logger, store and session.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *postgres.PostgresClient
	session market.Session
	redis   *cache.RedisClient
}

func newApp(c *cli.Context) (*app, error) {
	// viper config
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	session, err := market.NewSession(cfg.Market)
	if err != nil {
		return nil, err
	}

	store, err := postgres.Open(cfg.Postgres, cfg.Environment)
	if err != nil {
		return nil, err
	}
	store.Session = session
	store.BatchSize = cfg.BatchSize

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		session: session,
		redis:   cache.NewRedisClient(cfg.Redis, log),
	}, nil
}

func (a *app) close() {
	_ = a.redis.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) chainCache() *cache.ChainCache {
	if a.redis == nil {
		return nil
	}
	return cache.NewChainCache(a.redis, a.cfg.Redis.TTL)
}

// underlyings returns the --underlying values, or the configured targets.
func (a *app) underlyings(c *cli.Context) []string {
	var out []string
	for _, raw := range c.StringSlice("underlying") {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.ToUpper(strings.TrimSpace(u)); u != "" {
				out = append(out, u)
			}
		}
	}
	if len(out) == 0 {
		return a.cfg.TargetUnderlyings
	}
	return out
}

// kiteClient builds the REST quote source behind the circuit breaker.
func (a *app) kiteClient() (*kite.CircuitBreakerClient, string, error) {
	token, err := a.cfg.ResolveAccessToken()
	if err != nil {
		return nil, "", err
	}
	rest := kite.NewRESTClient(a.cfg.Kite.BaseURL, a.cfg.Kite.APIKey, token, a.cfg.Kite.Timeout)
	return kite.NewCircuitBreakerClient(rest, a.cfg.Kite.Breaker, a.log), token, nil
}

func (a *app) loader(source universe.InstrumentSource) *universe.Loader {
	return &universe.Loader{
		Source:  source,
		Store:   a.store,
		Market:  a.cfg.Market,
		Targets: a.cfg.TargetUnderlyings,
		Session: a.session,
		Timeout: a.cfg.Kite.Timeout,
		Logger:  a.log,
	}
}

// processor wires the chain processor to Kite. With quote_source "ticker" live
// quotes come from the WebSocket stream; the returned func releases it.
func (a *app) processor() (*chain.Processor, func(), error) {
	client, token, err := a.kiteClient()
	if err != nil {
		return nil, nil, err
	}

	var quotes chain.QuoteFetcher = client
	release := func() {}
	if a.cfg.Kite.QuoteSource == "ticker" {
		ticker, err := kite.NewTicker(a.cfg.Kite.WSURL, a.cfg.Kite.APIKey, token, a.log)
		if err != nil {
			return nil, nil, err
		}
		tq := stream.NewTickerQuotes(a.cfg.Kite, ticker, a.log)
		quotes = tq
		release = func() {
			if err := tq.Close(); err != nil {
				a.log.Warn("failed to close ticker", zap.Error(err))
			}
		}
	}

	p := chain.NewProcessor(a.cfg, a.session, quotes, client, a.loader(client), a.store, a.chainCache(), a.log)
	return p, release, nil
}

// withApp runs fn with a fully wired app and a context canceled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, c, a)
	}
}

var migrateAction = func(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	store, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Environment, c.Bool("create-db"))
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("database migrated", zap.String("driver", cfg.Postgres.Driver))
	return nil
}

var snapshotAction = withApp(func(ctx context.Context, c *cli.Context, a *app) error {
	p, release, err := a.processor()
	if err != nil {
		return err
	}
	defer release()

	summary, err := p.RunLive(ctx, a.underlyings(c))
	if err != nil {
		return err
	}
	return printJSON(summary)
})

var backfillAction = withApp(func(ctx context.Context, c *cli.Context, a *app) error {
	date, err := market.ParseDate(c.String("date"))
	if err != nil {
		return err
	}
	p, release, err := a.processor()
	if err != nil {
		return err
	}
	defer release()

	summary, err := p.RunCandles(ctx, a.underlyings(c), date)
	if err != nil {
		return err
	}
	return printJSON(summary)
})

// pipelineAction runs the given stages, or all of them, per underlying.
func pipelineAction(stages ...market.Stage) cli.ActionFunc {
	return withApp(func(ctx context.Context, c *cli.Context, a *app) error {
		var records prediction.RecordStore = a.store
		var runs prediction.RunRecorder = a.store
		if c.Bool("dry-run") {
			mem := memorystore.NewRecordStore()
			if err := copyRecords(ctx, a.store, mem, a.underlyings(c)); err != nil {
				return err
			}
			records, runs = mem, nil
		}

		pipeline := prediction.NewPipeline(a.cfg, a.session, a.store, records, runs, a.log)
		var summaries []prediction.RunSummary
		for _, u := range a.underlyings(c) {
			summary, err := pipeline.Run(ctx, u, stages...)
			if err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
			summaries = append(summaries, summary)
		}
		return printJSON(summaries)
	})
}

// copyRecords loads each underlying's records into dst so a dry run starts from
// the stored state without writing back to it.
func copyRecords(ctx context.Context, src prediction.RecordStore, dst *memorystore.MemoryRecordStore, underlyings []string) error {
	for _, u := range underlyings {
		recs, err := src.LoadRecords(ctx, u)
		if err != nil {
			return err
		}
		for _, stage := range market.Stages {
			if err := dst.SaveStage(ctx, stage, recs); err != nil {
				return fmt.Errorf("copy %s %s records: %w", u, stage, err)
			}
		}
	}
	return nil
}

func (a *app) queries(runner query.ChainRunner) *query.Service {
	return query.NewService(a.store, a.chainCache(), runner, a.log)
}

var chainAction = withApp(func(ctx context.Context, c *cli.Context, a *app) error {
	rows, err := a.queries(nil).LatestChain(ctx, c.String("underlying"))
	if err != nil {
		return err
	}
	return printJSON(rows)
})

var trendAction = withApp(func(ctx context.Context, c *cli.Context, a *app) error {
	res, err := a.queries(nil).Trend(ctx, c.Int64("instrument"), c.Int("days"))
	if err != nil {
		return err
	}
	return printJSON(res)
})

var recordsAction = withApp(func(ctx context.Context, c *cli.Context, a *app) error {
	recs, err := a.queries(nil).Records(ctx, c.String("underlying"))
	if err != nil {
		return err
	}
	return printJSON(recs)
})

var runsAction = withApp(func(ctx context.Context, c *cli.Context, a *app) error {
	runs, err := a.queries(nil).Runs(ctx, c.String("kind"), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(runs)
})

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
