package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-sesslock/v1/adapter"
	"github.com/mirkobrombin/go-sesslock/v1/config"
	"github.com/mirkobrombin/go-sesslock/v1/kv"
	"github.com/mirkobrombin/go-sesslock/v1/lock"
	"github.com/mirkobrombin/go-sesslock/v1/session"
	"github.com/mirkobrombin/go-sesslock/v1/syncbus"
)

// backend holds the stores and clients built from a Config.
type backend struct {
	cfg     config.Config
	store   kv.Store
	data    adapter.DataStore
	bus     syncbus.Bus
	leases  *lock.Manager
	redis   redis.UniversalClient
	nc      *nats.Conn
	closers []func() error
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{cfg: cfg}
	if err := b.open(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backend) open(ctx context.Context) error {
	cfg := b.cfg

	switch cfg.Store {
	case config.StoreMemory:
		b.store = kv.NewInMemory()
		b.data = adapter.NewInMemoryStore()
	case config.StoreRedis:
		client, err := b.redisClient(ctx)
		if err != nil {
			return err
		}
		b.store = kv.NewRedis(client)
		b.data = adapter.NewRedisStore(client, adapter.WithTTL(cfg.DataTTL))
	case config.StoreNATS:
		js, err := b.jetStream()
		if err != nil {
			return err
		}
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = cfg.MaxWait
		}
		if b.store, err = kv.NewNATS(js, cfg.NATSBucket, ttl); err != nil {
			return err
		}
		if b.data, err = adapter.NewNATSStore(js, cfg.NATSBucket+"-data", cfg.DataTTL); err != nil {
			return err
		}
	}

	switch cfg.Events {
	case config.EventsMemory:
		b.bus = syncbus.NewInMemoryBus()
	case config.EventsRedis:
		client, err := b.redisClient(ctx)
		if err != nil {
			return err
		}
		b.bus = syncbus.NewRedisBus(client, "")
	case config.EventsNATS:
		if _, err := b.jetStream(); err != nil {
			return err
		}
		b.bus = syncbus.NewNATSBus(b.nc, "")
	case config.EventsKafka:
		kb, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaConfig(), cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		b.closers = append(b.closers, kb.Close)
		b.bus = kb
	}

	opts := cfg.LockOptions()
	if b.bus != nil {
		opts = append(opts, lock.WithBus(b.bus))
	}
	b.leases = lock.NewManager(b.store, opts...)
	slog.Debug("sesslock: backend ready", "store", cfg.Store, "events", cfg.Events,
		"spin", b.leases.SpinInterval(), "attempts", b.leases.Attempts())
	return nil
}

func (b *backend) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client := redis.NewUniversalClient(b.cfg.RedisOptions())
	b.closers = append(b.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", kv.MapRedisError(err))
	}
	b.redis = client
	return client, nil
}

func (b *backend) jetStream() (nats.JetStreamContext, error) {
	if b.nc == nil {
		nc, err := nats.Connect(b.cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.nc = nc
		b.closers = append(b.closers, func() error {
			nc.Close()
			return nil
		})
	}
	js, err := b.nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return js, nil
}

// handler returns a session handler for a single request.
func (b *backend) handler() *session.Handler {
	return session.NewHandler(b.leases, b.data, session.WithPrefix(b.cfg.Prefix))
}

// Close releases every client opened by openBackend, last opened first.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
