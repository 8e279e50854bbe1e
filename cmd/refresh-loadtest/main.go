// Command refresh-loadtest drives refresh storms against the engine: many clients presenting the
// same refresh secret at once, the way browser tabs do after an access credential expires.
// Every storm must end with a single rotation and identical pairs for all callers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mealplanner/authcore"
)

func main() {
	var (
		families  = flag.Int("families", 1000, "number of sessions to seed")
		storm     = flag.Int("storm", 8, "concurrent refreshes per family and round")
		rounds    = flag.Int("rounds", 3, "refresh rounds per family")
		parallel  = flag.Int("parallel", 64, "families stormed concurrently")
		verifyOps = flag.Int("verify", 100000, "access credential verifications")
		redisAddr = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		verbose   = flag.Bool("v", false, "log engine warnings")
	)
	flag.Parse()

	if *families <= 0 || *storm <= 0 || *rounds <= 0 || *parallel <= 0 {
		fmt.Fprintln(os.Stderr, "families, storm, rounds and parallel must be > 0")
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	cfg := authcore.DefaultConfig()
	cfg.Security.RefreshThrottle = false

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(logger).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()

	fmt.Printf("seeding %d sessions...\n", *families)
	start := time.Now()
	sessions := make([]*authcore.Session, *families)
	for i := range sessions {
		s, err := engine.CreateSession(ctx, fmt.Sprintf("user-%d", i), "customer")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create session: %v\n", err)
			os.Exit(1)
		}
		sessions[i] = s
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))

	stormStats, stormErr := runStorms(ctx, engine, sessions, *storm, *rounds, *parallel)
	verifyStats := runVerify(ctx, engine, sessions, *verifyOps, *parallel)

	fmt.Println("---- results ----")
	printStats("refresh", stormStats)
	printStats("verify", verifyStats)

	snap := engine.MetricsSnapshot()
	fmt.Printf("rotations=%d coalesced=%d grace_reserved=%d reuse=%d transient=%d\n",
		snap.Counters[authcore.MetricRefreshSuccess],
		snap.Counters[authcore.MetricRefreshCoalesced],
		snap.Counters[authcore.MetricRefreshGraceReserved],
		snap.Counters[authcore.MetricRefreshReuseDetected],
		snap.Counters[authcore.MetricRefreshTransient],
	)
	if stormErr != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", stormErr)
		os.Exit(1)
	}
}

var errDivergent = errors.New("storm handed out more than one refresh secret")

// runStorms fires storm concurrent refreshes per family and round. The first storm whose
// callers did not all receive the same pair stops the run and is returned.
func runStorms(ctx context.Context, engine *authcore.Engine, sessions []*authcore.Session, storm, rounds, parallel int) (phaseStats, error) {
	var (
		mu        sync.Mutex
		latencies []time.Duration
		failures  atomic.Int64
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, s := range sessions {
		g.Go(func() error {
			familyID, secret := s.FamilyID, s.RefreshSecret
			for r := 0; r < rounds; r++ {
				secrets := make([]string, storm)
				var wg sync.WaitGroup
				for c := 0; c < storm; c++ {
					wg.Add(1)
					go func(c int) {
						defer wg.Done()
						t0 := time.Now()
						pair, err := engine.Refresh(gctx, familyID, secret)
						d := time.Since(t0)
						mu.Lock()
						latencies = append(latencies, d)
						mu.Unlock()
						if err != nil {
							failures.Add(1)
							return
						}
						secrets[c] = pair.RefreshSecret
					}(c)
				}
				wg.Wait()

				next := ""
				for _, got := range secrets {
					if got == "" {
						continue
					}
					if next != "" && got != next {
						return fmt.Errorf("%w: family %s round %d", errDivergent, familyID, r)
					}
					next = got
				}
				if next == "" {
					// every caller failed; the failures are already counted
					return nil
				}
				secret = next
			}
			return nil
		})
	}
	err := g.Wait()

	return computeStats(time.Since(start), latencies, failures.Load()), err
}

func runVerify(ctx context.Context, engine *authcore.Engine, sessions []*authcore.Session, ops, parallel int) phaseStats {
	var (
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < parallel; w++ {
		wg.Go(func() {
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					return
				}
				token := sessions[i%len(sessions)].AccessToken
				t0 := time.Now()
				_, err := engine.Verify(ctx, token)
				d := time.Since(t0)
				if err != nil {
					failures.Add(1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
