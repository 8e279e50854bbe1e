//go:build integration

package authcore_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mealplanner/authcore"
	"github.com/mealplanner/authcore/family"
)

func integrationRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		mr := miniredis.RunT(t)
		addr = mr.Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	return rdb
}

// Two engines share one Redis, as two API nodes would. Each has its own flight arena, so only
// the store script keeps rotations single.
func TestCrossNodeRefreshStormSingleWinner(t *testing.T) {
	ctx := context.Background()
	rdb := integrationRedis(t)

	cfg := authcore.DefaultConfig()
	cfg.Refresh.RedisPrefix = "it-" + t.Name()
	cfg.Security.RefreshThrottle = false

	nodes := make([]*authcore.Engine, 2)
	for i := range nodes {
		e, err := authcore.New().WithConfig(cfg).WithRedis(rdb).Build()
		if err != nil {
			t.Fatalf("build node %d: %v", i, err)
		}
		t.Cleanup(func() { _ = e.Close() })
		nodes[i] = e
	}

	sess, err := nodes[0].CreateSession(ctx, "user-race", "customer")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const workers = 32
	start := make(chan struct{})
	var wg sync.WaitGroup
	secrets := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			pair, err := nodes[i%len(nodes)].Refresh(ctx, sess.FamilyID, sess.RefreshSecret)
			if err != nil {
				errs[i] = err
				return
			}
			secrets[i] = pair.RefreshSecret
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if secrets[i] != secrets[0] {
			t.Fatalf("worker %d received a different secret", i)
		}
	}

	state, err := nodes[1].FamilyState(ctx, sess.FamilyID)
	if err != nil {
		t.Fatalf("family state: %v", err)
	}
	if state != family.StateActive {
		t.Fatalf("family must stay active, got %s", state)
	}
}
