package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-sesslock/v1/config"
	"github.com/mirkobrombin/go-sesslock/v1/lock"
	"github.com/mirkobrombin/go-sesslock/v1/session"
)

// Version of the sesslock binary.
const Version = "0.1.0"

var (
	settings = config.New()

	rootCmd = &cobra.Command{
		Use:   "sesslock",
		Short: "distributed session locking over a shared key-value store",
		Long: fmt.Sprintf(`sesslock (v%s)

Serializes access to web sessions across application instances by holding a
short-lived lease in Redis, NATS JetStream or memory while a request works
on the session.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sesslock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sesslock v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, lockCmd, benchCmd, versionCmd)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("prefix", session.DefaultPrefix, "key prefix for session payloads and leases")
	pf.Duration("spin-min", lock.DefaultSpinMin, "lower bound of the lease poll interval")
	pf.Duration("spin-max", lock.DefaultSpinMax, "upper bound of the lease poll interval")
	pf.Duration("max-wait", lock.DefaultMaxWait, "how long an acquisition keeps polling")
	pf.Duration("ttl", 0, "lease ttl (defaults to max-wait)")
	pf.Int64("seed", 0, "seed for the poll interval draw (0 = time seeded)")
	pf.String("store", config.StoreRedis, "lease and payload store (memory, redis, nats)")
	pf.StringSlice("redis-addrs", []string{"localhost:6379"}, "redis addresses, or sentinel addresses with --redis-master")
	pf.String("redis-master", "", "sentinel master name")
	pf.Int("redis-db", 0, "redis database")
	pf.Duration("data-ttl", 0, "session payload ttl (0 = no expiry)")
	pf.String("nats-url", "nats://127.0.0.1:4222", "NATS server url")
	pf.String("nats-bucket", "sesslock", "JetStream bucket for leases")
	pf.String("events", config.EventsNone, "lease event bus (none, memory, redis, nats, kafka)")
	pf.StringSlice("kafka-brokers", []string{"localhost:9092"}, "kafka brokers")
	pf.String("kafka-topic", "sesslock.leases", "kafka topic for lease events")
	pf.Bool("tracing", false, "emit OpenTelemetry spans for lease operations")

	if err := config.BindFlags(settings, pf); err != nil {
		panic(err)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(settings)
}

// bindLocal binds flags that only exist on one command.
func bindLocal(v *viper.Viper, cmd *cobra.Command) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
}
