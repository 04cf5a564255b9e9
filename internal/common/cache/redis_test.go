package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"inloop/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	testutil.MustNoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheBasicAndHash(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	got, err := c.Get(ctx, "missing")
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, got, "")

	testutil.MustNoError(t, c.Set(ctx, "k", "v", time.Minute))
	got, err = c.Get(ctx, "k")
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, got, "v")

	mr.FastForward(2 * time.Minute)
	got, _ = c.Get(ctx, "k")
	testutil.AssertEqual(t, got, "")

	testutil.MustNoError(t, c.HSet(ctx, "h", "a", "1"))
	testutil.MustNoError(t, c.HSet(ctx, "h", "b", "2"))
	testutil.MustNoError(t, c.HDel(ctx, "h", "a"))
	all, err := c.HGetAll(ctx, "h")
	testutil.AssertNil(t, err)
	testutil.AssertEqual(t, all, map[string]string{"b": "2"})
}

func TestRedisCachePubSub(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, "events")
	testutil.MustNoError(t, err)
	testutil.MustNoError(t, c.Publish(ctx, "events", "hello"))

	select {
	case msg := <-ch:
		testutil.AssertEqual(t, msg, "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed")
		}
	}
}

func TestGetWithCachedCachesEmptyResults(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0
	load := func(context.Context) (*string, error) {
		calls++
		return nil, nil
	}
	isEmpty := func(v *string) bool { return v == nil }
	marshal := func(v *string) string { return *v }
	unmarshal := func(s string) (*string, error) { return &s, nil }

	for i := 0; i < 2; i++ {
		v, err := GetWithCached(ctx, c, "item:1", time.Minute, time.Minute, isEmpty, marshal, unmarshal, load)
		testutil.AssertNil(t, err)
		testutil.AssertTrue(t, v == nil, "empty value expected")
	}
	testutil.AssertEqual(t, calls, 1)

	failing := func(context.Context) (*string, error) { return nil, errors.New("db down") }
	_, err := GetWithCached(ctx, c, "item:2", time.Minute, time.Minute, isEmpty, marshal, unmarshal, failing)
	testutil.AssertTrue(t, err != nil, "loader error must surface")
}
