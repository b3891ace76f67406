package async

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/errors"
)

// Publisher hands admitted jobs to whatever executes them. Publishing is
// at-least-once: consumers must dedupe on job id.
type Publisher interface {
	Publish(ctx context.Context, job *Job) error
}

// LocalPublisher wakes the in-process worker pool. The job itself stays in
// the store; workers claim it from there.
type LocalPublisher struct {
	wake chan struct{}
}

// NewLocalPublisher creates a publisher whose Wake channel coalesces signals.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{wake: make(chan struct{}, 1)}
}

// Publish signals waiting workers without blocking.
func (p *LocalPublisher) Publish(ctx context.Context, job *Job) error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake is received from by workers between polls.
func (p *LocalPublisher) Wake() <-chan struct{} {
	return p.wake
}

// RedisPublisher appends admitted jobs to a redis stream for external executors.
// A chained job is published once its predecessor is admitted, not once it
// has completed, so executors must hold an entry until its after_job_id
// has completed.
type RedisPublisher struct {
	client redis.Cmdable
	stream string
}

// NewRedisPublisher publishes to stream through client.
func NewRedisPublisher(client redis.Cmdable, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

// NewRedisPublisherFromConfig dials the configured redis address lazily.
func NewRedisPublisherFromConfig(cfg am.QueueConfig) (*RedisPublisher, *redis.Client) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return NewRedisPublisher(client, cfg.RedisStream), client
}

// Publish XADDs {job_id, type, asset_id, after_job_id, payload}.
func (p *RedisPublisher) Publish(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return errors.Wrapf(err, "failed to encode payload for job %s", job.ID)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"job_id":       job.ID,
			"type":         job.Type,
			"asset_id":     job.AssetID,
			"after_job_id": job.AfterJobID,
			"payload":      string(payload),
		},
	}).Err()
	if err != nil {
		err = errors.Wrapf(err, "failed to publish job %s", job.ID)
		return errors.WithDetailf(err, "stream=%s", p.stream)
	}
	return nil
}
