package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-sesslock/v1/config"
	sesserrors "github.com/mirkobrombin/go-sesslock/v1/errors"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run concurrent requests against one session and report contention",
	Long: `Starts --workers goroutines that each run --requests full session
lifecycles (read, increment, write, close) on the same session id. The final
counter equals the number of successful requests when locking holds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		embedded, _ := cmd.Flags().GetBool("embedded")
		workers, _ := cmd.Flags().GetInt("workers")
		requests, _ := cmd.Flags().GetInt("requests")
		id, _ := cmd.Flags().GetString("session")
		if embedded {
			mr, err := miniredis.Run()
			if err != nil {
				return err
			}
			defer mr.Close()
			cfg.Store = config.StoreRedis
			cfg.RedisAddrs = []string{mr.Addr()}
			cfg.RedisMaster = ""
		}

		ctx := cmd.Context()
		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		res, err := runBench(ctx, b, id, workers, requests)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Finished in %v\n", res.elapsed)
		fmt.Fprintf(out, "Requests: %d ok, %d busy\n", res.ok, res.busy)
		fmt.Fprintf(out, "Throughput: %.2f req/s\n", float64(res.ok)/res.elapsed.Seconds())
		fmt.Fprintf(out, "Final counter: %d\n", res.counter)
		return nil
	},
}

func init() {
	benchCmd.Flags().Bool("embedded", false, "run against an in-process Redis")
	benchCmd.Flags().IntP("workers", "c", 8, "number of concurrent workers")
	benchCmd.Flags().IntP("requests", "n", 50, "requests per worker")
	benchCmd.Flags().String("session", "bench", "session id shared by every worker")
}

type benchResult struct {
	ok, busy int64
	counter  int
	elapsed  time.Duration
}

// runBench runs workers*requests session lifecycles on id. A request that
// cannot take the lease counts as busy; store errors abort the run.
func runBench(ctx context.Context, b *backend, id string, workers, requests int) (benchResult, error) {
	var ok, busy atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < requests; i++ {
				done, err := increment(gctx, b, id)
				if err != nil {
					return err
				}
				if done {
					ok.Add(1)
				} else {
					busy.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	res := benchResult{ok: ok.Load(), busy: busy.Load(), elapsed: time.Since(start)}

	payload, _, err := b.data.Read(ctx, b.handler().DataKey(id))
	if err != nil {
		return res, err
	}
	res.counter, _ = strconv.Atoi(string(payload))
	return res, nil
}

func increment(ctx context.Context, b *backend, id string) (bool, error) {
	h := b.handler()
	defer closeSession(ctx, h)
	payload, err := h.Read(ctx, id)
	if err != nil {
		if errors.Is(err, sesserrors.ErrLockAcquisition) {
			return false, nil
		}
		return false, err
	}
	n, _ := strconv.Atoi(string(payload))
	return h.Write(ctx, id, []byte(strconv.Itoa(n+1)))
}
