package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// redisStore connects to a local Redis, skipping the suite when none is
// reachable.
func redisStore(t *testing.T) *Store {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return New(client)
}

func TestStore_Eval(t *testing.T) {
	s := redisStore(t)
	defer s.Close()
	ctx := context.Background()

	key := "limitd_test:eval"
	defer s.Del(ctx, key)

	res, err := s.Eval(ctx, `
		redis.call('HSET', KEYS[1], 'v', ARGV[1])
		return { 1, tonumber(ARGV[1]) }
	`, []string{key}, 42)
	if err != nil {
		t.Fatal(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		t.Fatalf("unexpected eval result: %v", res)
	}
	if vals[1].(int64) != 42 {
		t.Errorf("eval returned %v, want 42", vals[1])
	}

	// Second run goes through the cached script (EVALSHA path).
	if _, err := s.Eval(ctx, `
		redis.call('HSET', KEYS[1], 'v', ARGV[1])
		return { 1, tonumber(ARGV[1]) }
	`, []string{key}, 43); err != nil {
		t.Fatal(err)
	}
}

func TestStore_HashAndScan(t *testing.T) {
	s := redisStore(t)
	defer s.Close()
	ctx := context.Background()

	keys := []string{"limitd_test:scan:a", "limitd_test:scan:b"}
	defer s.Del(ctx, keys...)

	for _, k := range keys {
		if err := s.HSet(ctx, k, "tokens", 5, "last_refill", 1000); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.HGetAll(ctx, keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if got["tokens"] != "5" {
		t.Errorf("tokens = %q, want 5", got["tokens"])
	}

	found, err := s.ScanPrefix(ctx, "limitd_test:scan:")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Errorf("scan found %d keys, want 2: %v", len(found), found)
	}
}

func TestStore_ExpireAndTTL(t *testing.T) {
	s := redisStore(t)
	defer s.Close()
	ctx := context.Background()

	key := "limitd_test:ttl"
	defer s.Del(ctx, key)

	s.HSet(ctx, key, "f", "1")
	if err := s.Expire(ctx, key, time.Minute); err != nil {
		t.Fatal(err)
	}
	ttl, err := s.TTL(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestStore_Ping(t *testing.T) {
	s := redisStore(t)
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
