package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"distributor/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps jobs in Redis so pending and in-flight work survives a
// restart.
//
// Layout under prefix:
//
//	jobs                hash   job id -> job JSON
//	types               set    job types seen
//	ready:<type>        list   job ids, pushed left, popped right
//	processing          list   job ids claimed by a worker
//	delayed             zset   job ids scored by run time (unix ms)
//	history:<state>     list   record JSON, newest first, capped
type RedisBackend struct {
	client *redis.Client
	owned  bool
	prefix string
	logger *slog.Logger
}

type RedisConfig struct {
	Client   *redis.Client // optional; built from Addr when nil
	Addr     string
	Password string
	DB       int
	Prefix   string
	Logger   *slog.Logger
}

func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	if cfg.Prefix == "" {
		cfg.Prefix = "distributor"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &RedisBackend{client: cfg.Client, prefix: cfg.Prefix, logger: cfg.Logger}
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		b.owned = true
	}
	return b
}

func (b *RedisBackend) key(parts ...string) string {
	k := b.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBackend) Push(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.key("jobs"), job.ID, data)
		pipe.SAdd(ctx, b.key("types"), job.Type)
		pipe.LPush(ctx, b.key("ready", job.Type), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Pop(ctx context.Context, jobType string) (*domain.Job, error) {
	id, err := b.client.LMove(ctx, b.key("ready", jobType), b.key("processing"), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	job, err := b.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Payload vanished; drop the dangling id.
		b.client.LRem(ctx, b.key("processing"), 1, id)
		b.logger.Warn("queued job without payload dropped", "job", id)
		return nil, nil
	}
	return job, nil
}

func (b *RedisBackend) load(ctx context.Context, id string) (*domain.Job, error) {
	data, err := b.client.HGet(ctx, b.key("jobs"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *RedisBackend) Ack(ctx context.Context, job domain.Job) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.key("processing"), 1, job.ID)
		pipe.HDel(ctx, b.key("jobs"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Schedule(ctx context.Context, job domain.Job, runAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.key("jobs"), job.ID, data)
		pipe.LRem(ctx, b.key("processing"), 1, job.ID)
		pipe.ZAdd(ctx, b.key("delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// PromoteDue claims each due id with ZREM so that concurrent promoters never
// enqueue the same job twice.
func (b *RedisBackend) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, b.key("delayed"), id).Result()
		if err != nil {
			return n, fmt.Errorf("claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		job, err := b.load(ctx, id)
		if err != nil {
			return n, err
		}
		if job == nil {
			continue
		}
		if err := b.client.LPush(ctx, b.key("ready", job.Type), id).Err(); err != nil {
			return n, fmt.Errorf("promote job: %w", err)
		}
		n++
	}
	return n, nil
}

// Recover moves ids left in processing back to the consuming end of their
// ready lists, so they run next.
func (b *RedisBackend) Recover(ctx context.Context) (int, error) {
	ids, err := b.client.LRange(ctx, b.key("processing"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan processing jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		job, err := b.load(ctx, id)
		if err != nil {
			return n, err
		}
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, b.key("processing"), 1, id)
			if job != nil {
				pipe.RPush(ctx, b.key("ready", job.Type), id)
			}
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("requeue job %s: %w", id, err)
		}
		if job != nil {
			n++
		}
	}
	return n, nil
}

func (b *RedisBackend) Record(ctx context.Context, rec domain.JobRecord, keep int) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job record: %w", err)
	}
	key := b.key("history", string(rec.State))
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		if keep > 0 {
			pipe.LTrim(ctx, key, 0, int64(keep-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

func (b *RedisBackend) History(ctx context.Context, state domain.JobState, limit int) ([]domain.JobRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := b.client.LRange(ctx, b.key("history", string(state)), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]domain.JobRecord, 0, len(items))
	for _, item := range items {
		var rec domain.JobRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			b.logger.Warn("skipping undecodable job record", "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *RedisBackend) ClearHistory(ctx context.Context) error {
	err := b.client.Del(ctx,
		b.key("history", string(domain.JobCompleted)),
		b.key("history", string(domain.JobFailed)),
	).Err()
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (b *RedisBackend) Counts(ctx context.Context) (Counts, error) {
	types, err := b.client.SMembers(ctx, b.key("types")).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("list job types: %w", err)
	}

	pipe := b.client.Pipeline()
	ready := make([]*redis.IntCmd, len(types))
	for i, t := range types {
		ready[i] = pipe.LLen(ctx, b.key("ready", t))
	}
	processing := pipe.LLen(ctx, b.key("processing"))
	delayed := pipe.ZCard(ctx, b.key("delayed"))
	completed := pipe.LLen(ctx, b.key("history", string(domain.JobCompleted)))
	failed := pipe.LLen(ctx, b.key("history", string(domain.JobFailed)))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}

	c := Counts{
		Processing: int(processing.Val()),
		Delayed:    int(delayed.Val()),
		Completed:  int(completed.Val()),
		Failed:     int(failed.Val()),
	}
	for _, r := range ready {
		c.Waiting += int(r.Val())
	}
	return c, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
