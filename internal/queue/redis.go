// Package queue moves ingest jobs between producers and workers over
// Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/model"
)

const (
	payloadField  = "job"
	jobKeyPrefix  = "ingest:job:"
	stateTTL      = 24 * time.Hour
	defaultStream = "ingest:jobs"
	defaultGroup  = "ingest-workers"
)

// Message is one delivered job.
type Message struct {
	ID  string
	Job model.Job
}

// RedisQueue is a consumer-group job queue on a Redis stream. Per-job
// progress and results live in a hash next to the stream.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// NewRedisQueue creates the consumer group if needed. consumer names this
// worker inside the group; empty picks a unique one.
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg config.QueueConfig, consumer string) (*RedisQueue, error) {
	if client == nil {
		return nil, eris.New("queue: redis client is required")
	}
	q := &RedisQueue{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: consumer,
	}
	if q.stream == "" {
		q.stream = defaultStream
	}
	if q.group == "" {
		q.group = defaultGroup
	}
	if q.consumer == "" {
		q.consumer = "worker-" + uuid.NewString()[:8]
	}

	err := client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isGroupExists(err) {
		return nil, eris.Wrapf(err, "queue: create group %s", q.group)
	}
	return q, nil
}

// Consumer returns this queue's consumer name.
func (q *RedisQueue) Consumer() string { return q.consumer }

// Enqueue adds jobs to the stream in one round trip and returns their ids.
// Jobs without an id get one.
func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...model.Job) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(jobs))
	pipe := q.client.Pipeline()
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: marshal job %s", job.ID)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{payloadField: string(payload)},
		})
		pipe.HSet(ctx, jobKeyPrefix+job.ID, "percent", 0, "import_id", job.ImportID, "file", job.DisplayName())
		pipe.Expire(ctx, jobKeyPrefix+job.ID, stateTTL)
		ids = append(ids, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: enqueue")
	}
	zap.L().Debug("queue: enqueued", zap.String("stream", q.stream), zap.Int("jobs", len(ids)))
	return ids, nil
}

// Dequeue returns the next undelivered job, waiting up to block. A zero
// block does not wait. It returns nil when nothing is available.
func (q *RedisQueue) Dequeue(ctx context.Context, block time.Duration) (*Message, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrap(err, "queue: read group")
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.decode(ctx, streams[0].Messages[0])
}

// Reclaim takes over one job another consumer left pending for longer than
// minIdle, or returns nil.
func (q *RedisQueue) Reclaim(ctx context.Context, minIdle time.Duration) (*Message, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  10,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: list pending")
	}
	for _, p := range pending {
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		zap.L().Info("queue: reclaimed abandoned job",
			zap.String("message_id", p.ID),
			zap.String("from", p.Consumer),
			zap.Int64("deliveries", p.RetryCount),
		)
		return q.decode(ctx, claimed[0])
	}
	return nil, nil
}

// decode parses a stream entry. Entries without a readable job are
// acknowledged and dropped.
func (q *RedisQueue) decode(ctx context.Context, msg redis.XMessage) (*Message, error) {
	raw, _ := msg.Values[payloadField].(string)
	var job model.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.FilePath == "" {
		zap.L().Warn("queue: dropping unreadable message", zap.String("message_id", msg.ID))
		if ackErr := q.Ack(ctx, msg.ID); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}
	return &Message{ID: msg.ID, Job: job}, nil
}

// Ack acknowledges and deletes a delivered message.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "queue: ack %s", msgID)
	}
	return nil
}

// Len is the number of entries still in the stream, delivered or not.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	return n, eris.Wrap(err, "queue: stream length")
}

// SetProgress stores a 0-100 checkpoint for a job.
func (q *RedisQueue) SetProgress(ctx context.Context, jobID string, percent int) error {
	key := jobKeyPrefix + jobID
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, key, "percent", percent, "updated_at", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, stateTTL)
	_, err := pipe.Exec(ctx)
	return eris.Wrapf(err, "queue: set progress %s", jobID)
}

// Progress returns the last checkpoint of a job, or -1 if unknown.
func (q *RedisQueue) Progress(ctx context.Context, jobID string) (int, error) {
	v, err := q.client.HGet(ctx, jobKeyPrefix+jobID, "percent").Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return -1, eris.Wrapf(err, "queue: get progress %s", jobID)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1, eris.Wrapf(err, "queue: parse progress %s", jobID)
	}
	return n, nil
}

// SetResult stores the final result of a job.
func (q *RedisQueue) SetResult(ctx context.Context, jobID string, res model.JobResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return eris.Wrapf(err, "queue: marshal result %s", jobID)
	}
	key := jobKeyPrefix + jobID
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, key, "result", string(b), "percent", 100)
	pipe.Expire(ctx, key, stateTTL)
	_, err = pipe.Exec(ctx)
	return eris.Wrapf(err, "queue: set result %s", jobID)
}

// Result returns the stored result of a job, or nil if it has none yet.
func (q *RedisQueue) Result(ctx context.Context, jobID string) (*model.JobResult, error) {
	v, err := q.client.HGet(ctx, jobKeyPrefix+jobID, "result").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "queue: get result %s", jobID)
	}
	var res model.JobResult
	if err := json.Unmarshal([]byte(v), &res); err != nil {
		return nil, eris.Wrapf(err, "queue: unmarshal result %s", jobID)
	}
	return &res, nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return eris.Wrap(q.client.Ping(ctx).Err(), "queue: ping")
}

func isGroupExists(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
