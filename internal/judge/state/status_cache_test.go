package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"arbiter/internal/common/cache"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

func setupStatusCache(t *testing.T) *StatusCache {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return NewStatusCache(redisCache, time.Hour)
}

func TestStatusRoundTrip(t *testing.T) {
	statusCache := setupStatusCache(t)
	ctx := context.Background()

	saved := Status{
		SubmissionID: "s1",
		State:        model.StateJudging,
		TotalCases:   3,
		DoneCases:    1,
	}
	if err := statusCache.Save(ctx, saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := statusCache.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.StateJudging || got.TotalCases != 3 || got.DoneCases != 1 {
		t.Fatalf("unexpected status: %+v", got)
	}
	if got.UpdatedAt == 0 {
		t.Fatalf("save must stamp the snapshot")
	}
}

func TestStatusMissingIsNotFound(t *testing.T) {
	statusCache := setupStatusCache(t)
	_, err := statusCache.Get(context.Background(), "nope")
	if !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusRequiresSubmissionID(t *testing.T) {
	statusCache := setupStatusCache(t)
	if err := statusCache.Save(context.Background(), Status{}); err == nil {
		t.Fatalf("empty submission id must be rejected")
	}
}
