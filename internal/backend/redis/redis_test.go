package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/backendtest"
	"github.com/seantiz/blockio/internal/backend/redis"
	"github.com/seantiz/blockio/internal/backend/striped"
	"github.com/seantiz/blockio/internal/model"
)

// These tests need a Redis server; set BLOCKIO_TEST_REDIS_URL to run them.
func redisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("BLOCKIO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BLOCKIO_TEST_REDIS_URL not set")
	}
	return url
}

func TestBackendConformance(t *testing.T) {
	url := redisURL(t)
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		ctx := context.Background()
		rdb, err := redis.Dial(ctx, url)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		// A fresh prefix per subtest keeps runs isolated without flushing.
		b := striped.New("redis", redis.NewStore(rdb, "blockio-test-"+model.NewID()))
		if err := b.CreatePool(ctx, backendtest.Pool); err != nil {
			t.Fatalf("CreatePool: %v", err)
		}
		return b
	})
}

func TestDialBadURL(t *testing.T) {
	if _, err := redis.Dial(context.Background(), "not-a-url"); err == nil {
		t.Error("expected error for malformed URL, got nil")
	}
}
