package mq

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"arbiter/pkg/utils/logger"
)

const (
	fieldBody      = "body"
	fieldTimestamp = "ts"
)

// RedisStreamConfig holds connection settings for the Redis-backed stream.
type RedisStreamConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// RedisStream implements Stream on Redis Streams: XADD for publishing,
// XREADGROUP/XACK consumer groups for consumption, XAUTOCLAIM for
// reclaiming entries abandoned by dead consumers.
type RedisStream struct {
	client *redis.Client

	mu            sync.Mutex
	subscriptions []*streamSubscription
	started       bool
	closed        bool
	ownsClient    bool
}

type streamSubscription struct {
	stream  string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisStream creates a stream client connecting to the given address.
func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Blocking stream reads need a read timeout beyond the block window.
		ReadTimeout: -1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStream{client: client, ownsClient: true}, nil
}

// NewRedisStreamWithClient wraps an existing redis client. The caller keeps
// ownership of the client's lifecycle.
func NewRedisStreamWithClient(client *redis.Client) (*RedisStream, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &RedisStream{client: client}, nil
}

// Publish appends a message to the named stream.
func (s *RedisStream) Publish(ctx context.Context, stream string, message *Message) error {
	if stream == "" {
		return errors.New("stream is required")
	}
	if message == nil {
		return errors.New("message is nil")
	}
	ts := message.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldBody:      string(message.Body),
			fieldTimestamp: strconv.FormatInt(ts.Unix(), 10),
		},
	}).Err()
}

// Subscribe registers a handler for a stream within a consumer group.
func (s *RedisStream) Subscribe(ctx context.Context, stream string, handler HandlerFunc, opts *SubscribeOptions) error {
	if stream == "" {
		return errors.New("stream is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.Group == "" {
		options.Group = "arbiter-" + stream
	}
	if options.Consumer == "" {
		return errors.New("consumer name is required")
	}

	sub := &streamSubscription{
		stream:  stream,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream is closed")
	}
	s.subscriptions = append(s.subscriptions, sub)
	if s.started {
		return s.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (s *RedisStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream is closed")
	}
	if s.started {
		return nil
	}
	for _, sub := range s.subscriptions {
		if err := s.startSubscription(sub); err != nil {
			return err
		}
	}
	s.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (s *RedisStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range s.subscriptions {
		sub.wg.Wait()
	}
	s.started = false
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close stops consumers and closes the connection when owned.
func (s *RedisStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.Stop()
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStream) startSubscription(sub *streamSubscription) error {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	if err := s.ensureGroup(sub.ctx, sub.stream, sub.opts.Group); err != nil {
		return err
	}

	msgCh := make(chan redis.XMessage)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(msgCh)
		s.fetchLoop(sub, msgCh)
	}()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		s.reclaimLoop(sub, msgCh)
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for msg := range msgCh {
				s.handleMessage(sub, msg)
			}
		}()
	}
	return nil
}

// ensureGroup creates the consumer group idempotently.
func (s *RedisStream) ensureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (s *RedisStream) fetchLoop(sub *streamSubscription, msgCh chan<- redis.XMessage) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		default:
		}

		streams, err := s.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
			Group:    sub.opts.Group,
			Consumer: sub.opts.Consumer,
			Streams:  []string{sub.stream, ">"},
			Count:    sub.opts.ReadCount,
			Block:    sub.opts.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			// The group can vanish if the stream key was dropped; recreate
			// it once and retry on the next iteration.
			if strings.Contains(err.Error(), "NOGROUP") {
				if gerr := s.ensureGroup(sub.ctx, sub.stream, sub.opts.Group); gerr != nil {
					logger.Error(sub.ctx, "recreate consumer group failed",
						zap.String("stream", sub.stream), zap.Error(gerr))
				}
				continue
			}
			logger.Error(sub.ctx, "stream read failed",
				zap.String("stream", sub.stream), zap.Error(err))
			select {
			case <-sub.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, xs := range streams {
			for _, msg := range xs.Messages {
				select {
				case msgCh <- msg:
				case <-sub.ctx.Done():
					return
				}
			}
		}
	}
}

// reclaimLoop periodically claims entries left pending by dead consumers so
// they are redelivered to this worker.
func (s *RedisStream) reclaimLoop(sub *streamSubscription, msgCh chan<- redis.XMessage) {
	ticker := time.NewTicker(sub.opts.ReclaimInterval)
	defer ticker.Stop()

	start := "0-0"
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, next, err := s.client.XAutoClaim(sub.ctx, &redis.XAutoClaimArgs{
			Stream:   sub.stream,
			Group:    sub.opts.Group,
			Consumer: sub.opts.Consumer,
			MinIdle:  sub.opts.MinIdle,
			Start:    start,
			Count:    sub.opts.ReadCount,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
				continue
			}
			logger.Warn(sub.ctx, "stream autoclaim failed",
				zap.String("stream", sub.stream), zap.Error(err))
			continue
		}
		if next != "" {
			start = next
		}
		for _, msg := range msgs {
			select {
			case msgCh <- msg:
			case <-sub.ctx.Done():
				return
			}
		}
	}
}

func (s *RedisStream) handleMessage(sub *streamSubscription, msg redis.XMessage) {
	m := fromXMessage(msg)

	// Graceful shutdown cancels the fetch loops, not in-flight work: the
	// handler finishes its current job, commits, and acknowledges before
	// the worker exits.
	ctx := context.WithoutCancel(sub.ctx)

	// The handler owns classification: it returns nil once the outcome is
	// committed (including poison messages it marked failed), and an error
	// only when the work must be redelivered.
	if err := sub.handler(ctx, m); err != nil {
		logger.Warn(ctx, "message left pending for redelivery",
			zap.String("stream", sub.stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err))
		return
	}

	if err := s.ackWithRetry(ctx, sub, msg.ID); err != nil {
		logger.Error(ctx, "stream ack failed",
			zap.String("stream", sub.stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err))
	}
}

func (s *RedisStream) ackWithRetry(ctx context.Context, sub *streamSubscription, entryID string) error {
	var lastErr error
	for i := 0; i < 2; i++ {
		if err := s.client.XAck(ctx, sub.stream, sub.opts.Group, entryID).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	return lastErr
}

func fromXMessage(msg redis.XMessage) *Message {
	m := &Message{ID: msg.ID}
	if raw, ok := msg.Values[fieldBody]; ok {
		switch v := raw.(type) {
		case string:
			m.Body = []byte(v)
		case []byte:
			m.Body = v
		}
	}
	if raw, ok := msg.Values[fieldTimestamp]; ok {
		if str, ok := raw.(string); ok {
			if sec, err := strconv.ParseInt(str, 10, 64); err == nil {
				m.Timestamp = time.Unix(sec, 0)
			}
		}
	}
	return m
}

var _ Stream = (*RedisStream)(nil)
