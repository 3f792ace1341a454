package streams

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads refresh jobs through a consumer group, so concurrent
// workers split the stream instead of duplicating work.
type Consumer struct {
	client *redis.Client
	group  string
	name   string
	logger *log.Logger
}

// ConsumerOption adjusts XREADGROUP behaviour.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock caps how long a read blocks waiting for new jobs.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount caps the number of jobs returned by a single read.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

func NewConsumer(client *redis.Client, group, name string) *Consumer {
	return &Consumer{
		client: client,
		group:  group,
		name:   name,
		logger: log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
	}
}

// Message is one consumed stream entry. Ack with the ID once the job is
// handled.
type Message struct {
	ID  string
	Job RefreshJob
}

// Read pulls new jobs for this consumer. Undecodable entries are acked
// away and logged.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}

	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
	}
	for _, opt := range opts {
		opt(args)
	}

	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	return c.collect(ctx, stream, res), nil
}

// Ack marks stream entries as processed.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Claim takes over pending entries idle longer than minIdle, typically
// left behind by a crashed worker. Pass the returned cursor back in to
// continue claiming.
func (c *Consumer) Claim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if stream == "" {
		return nil, "", fmt.Errorf("stream name is required")
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	return c.collectMessages(ctx, stream, msgs), next, nil
}

func (c *Consumer) collect(ctx context.Context, stream string, res []redis.XStream) []Message {
	var out []Message
	for _, st := range res {
		out = append(out, c.collectMessages(ctx, stream, st.Messages)...)
	}
	return out
}

func (c *Consumer) collectMessages(ctx context.Context, stream string, msgs []redis.XMessage) []Message {
	var out []Message
	for _, msg := range msgs {
		job, err := decodeJob(msg)
		if err != nil {
			c.logger.Printf("dropping poison entry: %v", err)
			_ = c.client.XAck(ctx, stream, c.group, msg.ID).Err()
			continue
		}
		out = append(out, Message{ID: msg.ID, Job: job})
	}
	return out
}
