package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/dedupe"
	"github.com/sells-group/lead-dedupe/internal/events"
	"github.com/sells-group/lead-dedupe/internal/lead"
	"github.com/sells-group/lead-dedupe/internal/lock"
	"github.com/sells-group/lead-dedupe/internal/merge"
	"github.com/sells-group/lead-dedupe/internal/tracing"
)

// dedupeEnv holds the store and the engines built on it for the
// run/serve/consume commands.
type dedupeEnv struct {
	Store        lead.Store
	Engine       *merge.Engine
	Orchestrator *dedupe.Orchestrator
	Publisher    events.Publisher

	redis         *redis.Client
	traceShutdown func(context.Context) error
}

// Close releases resources held by the environment.
func (de *dedupeEnv) Close() {
	if de.Publisher != nil {
		if err := de.Publisher.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	}
	if de.redis != nil {
		_ = de.redis.Close()
	}
	if de.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := de.traceShutdown(ctx); err != nil {
			zap.L().Warn("flush traces", zap.Error(err))
		}
	}
	if de.Store != nil {
		_ = de.Store.Close()
	}
}

// initStore opens the configured lead store.
func initStore(ctx context.Context) (lead.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leads.db"
		}
		return lead.NewSQLite(dsn)
	case "postgres":
		return lead.NewPostgres(ctx, cfg.Store.DatabaseURL, &lead.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns the in-process locker, layered with Redis when the
// lock driver asks for cross-process serialization.
func initLocker(ctx context.Context) (lock.Locker, *redis.Client, error) {
	local := lock.NewLocalLocker()
	if cfg.Lock.Driver != "redis" {
		return local, nil, nil
	}
	rdb, err := lock.NewRedisClient(ctx, lock.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("redis merge lock enabled", zap.String("addr", cfg.Redis.Addr))
	return lock.Multi{local, lock.NewRedisLocker(rdb, "")}, rdb, nil
}

// initDedupe validates config for mode, opens and migrates the store, and
// wires the merge engine and orchestrator. Callers should defer env.Close().
func initDedupe(ctx context.Context, mode string) (*dedupeEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &dedupeEnv{Publisher: events.NopPublisher{}}

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, err
	}
	env.traceShutdown = shutdown

	st, err := initStore(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Store = st

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	policy := merge.DefaultPolicy()
	if cfg.Dedupe.MergePolicyPath != "" {
		policy, err = merge.LoadPolicy(cfg.Dedupe.MergePolicyPath)
		if err != nil {
			env.Close()
			return nil, err
		}
		zap.L().Info("merge policy loaded", zap.String("path", cfg.Dedupe.MergePolicyPath))
	}

	locker, rdb, err := initLocker(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.redis = rdb

	if cfg.Kafka.Enabled() {
		env.Publisher = events.NewKafkaPublisher(events.ProducerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
		})
		zap.L().Info("kafka event publishing enabled", zap.String("topic", cfg.Kafka.EventsTopic))
	} else {
		zap.L().Debug("LEADS_KAFKA_BROKERS not set, dedupe events disabled")
	}

	env.Engine = merge.NewEngine(st,
		merge.WithPolicy(policy),
		merge.WithLocker(locker, time.Duration(cfg.Dedupe.MergeLockTTLSecs)*time.Second),
		merge.WithPublisher(env.Publisher),
		merge.WithWriteRate(cfg.Dedupe.MergeWritesPerSec),
	)
	env.Orchestrator = dedupe.NewOrchestrator(st, env.Engine,
		dedupe.WithConfig(dedupe.Config{
			DomainNeighborCap: cfg.Dedupe.DomainNeighborCap,
			FullSweepCap:      cfg.Dedupe.FullSweepCap,
		}),
		dedupe.WithPublisher(env.Publisher),
	)

	return env, nil
}

// jobHandler runs a job-scoped dedupe for each job-completed event.
func jobHandler(orch *dedupe.Orchestrator) events.JobHandler {
	return func(ctx context.Context, job events.JobCompleted) error {
		res, err := orch.Run(ctx, dedupe.Request{JobID: job.JobID, AutoMerge: job.AutoMerge})
		if err != nil {
			return err
		}
		zap.L().Info("job dedupe complete",
			zap.String("job_id", job.JobID),
			zap.Int("duplicates_found", res.DuplicatesFound),
			zap.Int("merged", res.MergedCount),
			zap.Int("merge_failed", res.MergeFailed),
		)
		return nil
	}
}
