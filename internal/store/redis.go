package store

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

const (
	jobIndexKey   = "jobs"
	batchIndexKey = "batches"
	// loadChunk bounds the keys fetched per MGET.
	loadChunk = 500
)

// Redis keeps each record as JSON under job:<id> or batch:<id> and tracks the
// ids in the jobs and batches sets. Records never expire; retention is the
// operator's call.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, wrapStore(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, wrapStore(err, "redis ping")
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) save(ctx context.Context, index, prefix, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return wrapStore(err, "encode %s%s", prefix, id)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, prefix+id, data, 0)
		p.SAdd(ctx, index, id)
		return nil
	})
	return wrapStore(err, "redis save %s%s", prefix, id)
}

func (r *Redis) SaveJob(ctx context.Context, j job.Job) error {
	return r.save(ctx, jobIndexKey, "job:", j.ID, j)
}

func (r *Redis) SaveBatch(ctx context.Context, b batch.Batch) error {
	return r.save(ctx, batchIndexKey, "batch:", b.ID, b)
}

func loadRedis[T any](ctx context.Context, c *redis.Client, index, prefix string) ([]T, error) {
	ids, err := c.SMembers(ctx, index).Result()
	if err != nil {
		return nil, wrapStore(err, "redis smembers %s", index)
	}
	var out []T
	for start := 0; start < len(ids); start += loadChunk {
		end := min(start+loadChunk, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, prefix+id)
		}
		vals, err := c.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, wrapStore(err, "redis mget %s", index)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				// Indexed but deleted.
				continue
			}
			var rec T
			if err := json.Unmarshal([]byte(s), &rec); err != nil {
				return nil, wrapStore(err, "decode %s", keys[i])
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Redis) LoadJobs(ctx context.Context) ([]job.Job, error) {
	return loadRedis[job.Job](ctx, r.client, jobIndexKey, "job:")
}

func (r *Redis) LoadBatches(ctx context.Context) ([]batch.Batch, error) {
	return loadRedis[batch.Batch](ctx, r.client, batchIndexKey, "batch:")
}

func (r *Redis) Close() error { return r.client.Close() }
