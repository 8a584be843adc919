// Package config loads sesslock settings from flags, environment variables,
// an optional .env file and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	sesserrors "github.com/mirkobrombin/go-sesslock/v1/errors"
	"github.com/mirkobrombin/go-sesslock/v1/lock"
	"github.com/mirkobrombin/go-sesslock/v1/session"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SESSLOCK"

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreNATS   = "nats"
)

// Event bus backends.
const (
	EventsNone   = "none"
	EventsMemory = "memory"
	EventsRedis  = "redis"
	EventsNATS   = "nats"
	EventsKafka  = "kafka"
)

// Config holds every setting of a sesslock deployment.
type Config struct {
	Prefix  string
	SpinMin time.Duration
	SpinMax time.Duration
	MaxWait time.Duration
	TTL     time.Duration
	Seed    int64

	Store       string
	RedisAddrs  []string
	RedisMaster string
	RedisDB     int
	DataTTL     time.Duration
	NATSURL     string
	NATSBucket  string

	Events       string
	KafkaBrokers []string
	KafkaTopic   string

	Listen  string
	Tracing bool
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("prefix", session.DefaultPrefix)
	v.SetDefault("spin-min", lock.DefaultSpinMin)
	v.SetDefault("spin-max", lock.DefaultSpinMax)
	v.SetDefault("max-wait", lock.DefaultMaxWait)
	v.SetDefault("ttl", time.Duration(0))
	v.SetDefault("seed", int64(0))
	v.SetDefault("store", StoreRedis)
	v.SetDefault("redis-addrs", []string{"localhost:6379"})
	v.SetDefault("redis-master", "")
	v.SetDefault("redis-db", 0)
	v.SetDefault("data-ttl", time.Duration(0))
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("nats-bucket", "sesslock")
	v.SetDefault("events", EventsNone)
	v.SetDefault("kafka-brokers", []string{"localhost:9092"})
	v.SetDefault("kafka-topic", "sesslock.leases")
	v.SetDefault("listen", ":8080")
	v.SetDefault("tracing", false)
}

// New returns a viper instance with defaults and environment binding set
// up. Values from a .env file in the working directory are exported to the
// environment first; a missing .env file is not an error.
func New() *viper.Viper {
	_ = godotenv.Load()
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds command line flags to v, so flags override environment
// and file values.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	return v.BindPFlags(flags)
}

// Load reads the settings from v and validates them.
func Load(v *viper.Viper) (Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	c := Config{
		Prefix:       v.GetString("prefix"),
		SpinMin:      v.GetDuration("spin-min"),
		SpinMax:      v.GetDuration("spin-max"),
		MaxWait:      v.GetDuration("max-wait"),
		TTL:          v.GetDuration("ttl"),
		Seed:         v.GetInt64("seed"),
		Store:        strings.ToLower(v.GetString("store")),
		RedisAddrs:   splitList(v.GetStringSlice("redis-addrs")),
		RedisMaster:  v.GetString("redis-master"),
		RedisDB:      v.GetInt("redis-db"),
		DataTTL:      v.GetDuration("data-ttl"),
		NATSURL:      v.GetString("nats-url"),
		NATSBucket:   v.GetString("nats-bucket"),
		Events:       strings.ToLower(v.GetString("events")),
		KafkaBrokers: splitList(v.GetStringSlice("kafka-brokers")),
		KafkaTopic:   v.GetString("kafka-topic"),
		Listen:       v.GetString("listen"),
		Tracing:      v.GetBool("tracing"),
	}
	if c.MaxWait <= 0 {
		c.MaxWait = lock.DefaultMaxWait
	}
	return c, c.Validate()
}

// splitList accepts both repeated values and comma separated strings, the
// form environment variables arrive in.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("%w: empty prefix", sesserrors.ErrInvalidConfig)
	}
	if c.SpinMin <= 0 || c.SpinMax <= 0 {
		return fmt.Errorf("%w: spin interval must be positive", sesserrors.ErrInvalidConfig)
	}
	if c.SpinMin > c.SpinMax {
		return fmt.Errorf("%w: spin-min %s above spin-max %s", sesserrors.ErrInvalidConfig, c.SpinMin, c.SpinMax)
	}
	if c.TTL < 0 || c.DataTTL < 0 {
		return fmt.Errorf("%w: negative ttl", sesserrors.ErrInvalidConfig)
	}
	switch c.Store {
	case StoreMemory, StoreNATS:
	case StoreRedis:
		if len(c.RedisAddrs) == 0 {
			return fmt.Errorf("%w: no redis address", sesserrors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", sesserrors.ErrInvalidConfig, c.Store)
	}
	switch c.Events {
	case EventsNone, EventsMemory, EventsRedis, EventsNATS:
	case EventsKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("%w: no kafka broker", sesserrors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown event bus %q", sesserrors.ErrInvalidConfig, c.Events)
	}
	return nil
}

// LockOptions returns the lock.Manager options described by c.
func (c Config) LockOptions() []lock.Option {
	opts := []lock.Option{
		lock.WithSpinRange(c.SpinMin, c.SpinMax),
		lock.WithMaxWait(c.MaxWait),
		lock.WithTTL(c.TTL),
	}
	if c.Seed != 0 {
		opts = append(opts, lock.WithSeed(c.Seed))
	}
	if c.Tracing {
		opts = append(opts, lock.WithTracing())
	}
	return opts
}

// RedisOptions returns client options for the configured Redis deployment.
// Setting a master name selects a sentinel failover client, with the
// addresses taken as sentinels.
func (c Config) RedisOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:      c.RedisAddrs,
		MasterName: c.RedisMaster,
		DB:         c.RedisDB,
	}
}

// KafkaConfig returns the producer configuration used for the event bus.
func (c Config) KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "sesslock"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return cfg
}
