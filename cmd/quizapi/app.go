package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache"
	"github.com/unkn0wn-root/quizcache/deploy/cloud"
	gen "github.com/unkn0wn-root/quizcache/genstore"
	async "github.com/unkn0wn-root/quizcache/hooks/async"
	"github.com/unkn0wn-root/quizcache/hooks/promhooks"
	"github.com/unkn0wn-root/quizcache/hooks/zaphooks"
	"github.com/unkn0wn-root/quizcache/internal/config"
	zlog "github.com/unkn0wn-root/quizcache/log/zap"
	pr "github.com/unkn0wn-root/quizcache/provider"
	"github.com/unkn0wn-root/quizcache/provider/bigcache"
	rprov "github.com/unkn0wn-root/quizcache/provider/redis"
	"github.com/unkn0wn-root/quizcache/provider/ristretto"
	"github.com/unkn0wn-root/quizcache/provider/sqlite"
	"github.com/unkn0wn-root/quizcache/quiz"
	"github.com/unkn0wn-root/quizcache/quizapi"
	"github.com/unkn0wn-root/quizcache/quizstore"
	"github.com/unkn0wn-root/quizcache/server"
)

// app owns everything the API process opens and must close on shutdown.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	svc     *quiz.Service
	srv     *server.Server
	hooks   []*async.Hooks
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var awsCfg aws.Config
	if cfg.Server.Source == "dynamodb" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	var (
		src   quiz.Source
		sets  server.QuizletSets
		store *quizstore.Store
	)
	switch cfg.Server.Source {
	case "api":
		c, err := quizapi.New(quizapi.Config{
			BaseURL: cfg.URLs.API,
			Timeout: cfg.Timeouts.HTTPRequest,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		src, sets = c, c
	default:
		store = quizstore.New(dynamodb.NewFromConfig(awsCfg), cfg.AWS.Table, quizstore.WithLogger(log))
		src, sets = store, store
	}

	opts, sweepers, err := a.cacheOptions(reg)
	if err != nil {
		return nil, err
	}
	a.svc, err = quiz.NewService(quiz.Config{
		Source:    src,
		NewCaches: opts.Build,
		Sweepers:  sweepers,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.svc.Close)

	scfg := server.Config{
		Quizzes:        a.svc,
		Sets:           sets,
		JWTSecret:      cfg.Server.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Registerer:     reg,
		Gatherer:       reg,
		Logger:         log,
	}
	// the admin routes need the table; an upstream API source has none
	if store != nil {
		scfg.Store = store
		scfg.CDN = cloud.NewCDN(cloudfront.NewFromConfig(awsCfg), cfg.AWS.Distribution, log)
		scfg.Metrics = cloud.NewMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricsNS)
		scfg.LambdaFunction = cfg.AWS.QuizFunction
		if scfg.LambdaFunction == "" {
			scfg.LambdaFunction = cfg.AWS.Function
		}
	}
	a.srv, err = server.New(scfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// cacheOptions picks the tiers from config: ristretto or bigcache in memory;
// SQLite, Redis or an in-memory SQLite database as the persisted tier; and a
// Redis generation store when Redis is configured.
func (a *app) cacheOptions(reg prometheus.Registerer) (quiz.CacheOptions, []quiz.Sweeper, error) {
	c := a.cfg.Cache
	opts := quiz.CacheOptions{
		QuestionsTTL:  c.QuestionsTTL,
		PersistTTL:    c.PersistTTL,
		DatasetTTL:    c.DatasetTTL,
		StaleFor:      c.StaleFor,
		FetchTimeout:  c.FetchTimeout,
		SchemaVersion: "v1",
		Logger:        zlog.New(a.log),
		Tracer:        otel.Tracer("github.com/unkn0wn-root/quizcache"),
	}

	mem, err := memoryProvider(c)
	if err != nil {
		return opts, nil, err
	}
	opts.Memory = mem
	a.closers = append(a.closers, mem.Close)

	var (
		rdb      goredis.UniversalClient
		sweepers []quiz.Sweeper
	)
	if c.RedisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	}

	switch {
	case c.SQLitePath == "" && rdb != nil:
		p, err := rprov.New(rprov.Config{Client: rdb})
		if err != nil {
			return opts, nil, err
		}
		opts.Persisted = p
	default:
		path := c.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		p, err := sqlite.Open(sqlite.Config{Path: path})
		if err != nil {
			return opts, nil, err
		}
		a.closers = append(a.closers, p.Close)
		opts.Persisted = p
		sweepers = append(sweepers, p)
	}

	var gs gen.GenStore
	if rdb != nil {
		gs = gen.NewRedis(gen.RedisConfig{Client: rdb, Prefix: "quizcache:gen", TTL: 7 * 24 * time.Hour})
	} else {
		gs = gen.NewLocal(time.Hour, 24*time.Hour)
	}
	opts.GenStore = gs
	a.closers = append(a.closers, gs.Close)

	metrics, err := promhooks.NewMetrics(reg)
	if err != nil {
		return opts, nil, err
	}
	logged := zaphooks.New(a.log, zaphooks.Options{TierHitEvery: 1000, SelfHealEvery: 1})
	opts.Hooks = func(ns string) quizcache.Hooks {
		h := async.New(promhooks.Multi{metrics.For(ns), logged}, 2, 1024)
		a.hooks = append(a.hooks, h)
		return h
	}
	return opts, sweepers, nil
}

func memoryProvider(c config.Cache) (pr.Provider, error) {
	switch c.Memory {
	case "bigcache":
		p, err := bigcache.New(bigcache.Config{
			LifeWindow:         2 * c.PersistTTL,
			CleanWindow:        time.Minute,
			HardMaxCacheSizeMB: int(c.MemoryBytes >> 20),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		rc := ristretto.DefaultConfig()
		rc.MaxCost = c.MemoryBytes
		rc.Metrics = true
		p, err := ristretto.New(rc)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// sweep runs the persisted-tier cleanup every interval until ctx is done.
func (a *app) sweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.svc.Cleanup(ctx)
			if err != nil {
				a.log.Warn("cache sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				a.log.Debug("cache sweep", zap.Int("removed", n))
			}
		}
	}
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	for _, h := range a.hooks {
		h.Close()
	}
	return errors.Join(errs...)
}
