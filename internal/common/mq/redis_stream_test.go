package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStream(t *testing.T) (*RedisStream, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	stream, err := NewRedisStreamWithClient(client)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	return stream, client
}

func TestPublishAndConsume(t *testing.T) {
	stream, client := setupStream(t)
	ctx := context.Background()

	for _, body := range []string{"job-1", "job-2"} {
		if err := stream.Publish(ctx, "compile", NewMessage([]byte(body))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	received := make(chan string, 4)
	err := stream.Subscribe(ctx, "compile", func(ctx context.Context, msg *Message) error {
		received <- string(msg.Body)
		return nil
	}, &SubscribeOptions{
		Group:        "workers",
		Consumer:     "w1",
		BlockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := stream.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		_ = stream.Stop()
	}()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case body := <-received:
			got[body] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
	if !got["job-1"] || !got["job-2"] {
		t.Fatalf("unexpected deliveries: %v", got)
	}

	// Successful handling acknowledges: the pending-entries list drains.
	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "compile", "workers").Result()
		return err == nil && pending.Count == 0
	})
}

func TestHandlerErrorLeavesPending(t *testing.T) {
	stream, client := setupStream(t)
	ctx := context.Background()

	if err := stream.Publish(ctx, "run", NewMessage([]byte("job-x"))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	seen := make(chan struct{}, 4)
	err := stream.Subscribe(ctx, "run", func(ctx context.Context, msg *Message) error {
		seen <- struct{}{}
		return errors.New("state recorder unavailable")
	}, &SubscribeOptions{
		Group:        "judges",
		Consumer:     "j1",
		BlockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := stream.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		_ = stream.Stop()
	}()

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never ran")
	}

	// The entry must stay in the pending list for redelivery.
	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "run", "judges").Result()
		return err == nil && pending.Count == 1
	})
}

func TestSubscribeRequiresConsumerName(t *testing.T) {
	stream, _ := setupStream(t)
	err := stream.Subscribe(context.Background(), "compile", func(context.Context, *Message) error {
		return nil
	}, &SubscribeOptions{Group: "g"})
	if err == nil {
		t.Fatalf("missing consumer name must be rejected")
	}
}

func TestPublishValidation(t *testing.T) {
	stream, _ := setupStream(t)
	ctx := context.Background()
	if err := stream.Publish(ctx, "", NewMessage([]byte("x"))); err == nil {
		t.Fatalf("empty stream name must be rejected")
	}
	if err := stream.Publish(ctx, "compile", nil); err == nil {
		t.Fatalf("nil message must be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}
