package task

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/domain"
)

const maxTxRetries = 50

// RedisRegistry implements Registry on Redis, one JSON value per task.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis. ttl bounds how long a task is kept
// after its last update; zero keeps tasks forever.
func NewRedisRegistry(cfg config.RedisConfig, ttl time.Duration) (*RedisRegistry, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.IOError("redis ping failed", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mdocr:task:"
	}

	return &RedisRegistry{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Create registers a pending task.
func (r *RedisRegistry) Create(ctx context.Context, filename string) (domain.Task, error) {
	for attempt := 0; attempt < 3; attempt++ {
		t := domain.NewTask(newID(), filename)
		data, err := json.Marshal(t)
		if err != nil {
			return domain.Task{}, fmt.Errorf("marshal task: %w", err)
		}

		ok, err := r.client.SetNX(ctx, r.key(t.ID), data, r.ttl).Result()
		if err != nil {
			return domain.Task{}, domain.IOError("redis setnx", err)
		}
		if ok {
			return t, nil
		}
	}
	return domain.Task{}, domain.IOError("could not allocate a unique task id", nil)
}

// Get returns a snapshot of the task.
func (r *RedisRegistry) Get(ctx context.Context, id string) (domain.Task, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, notFound(id)
	}
	if err != nil {
		return domain.Task{}, domain.IOError("redis get", err)
	}
	return decode(data)
}

// Update applies mutate inside an optimistic WATCH/MULTI transaction,
// retrying when another writer commits first.
func (r *RedisRegistry) Update(ctx context.Context, id string, mutate func(*domain.Task) error) (domain.Task, error) {
	key := r.key(id)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var committed domain.Task

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return notFound(id)
			}
			if err != nil {
				return domain.IOError("redis get", err)
			}

			prev, err := decode(data)
			if err != nil {
				return err
			}

			next, err := apply(prev, mutate)
			if err != nil {
				return err
			}

			out, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, r.ttl)
				return nil
			})
			if err != nil {
				return err
			}

			committed = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if domain.TypeOf(err) == "" {
				return domain.Task{}, domain.IOError("redis update", err)
			}
			return domain.Task{}, err
		}
		return committed, nil
	}

	return domain.Task{}, domain.IOError(fmt.Sprintf("task %s: too many concurrent updates", id), nil)
}

// Delete removes a task.
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return domain.IOError("redis delete", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + id
}

func decode(data []byte) (domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Task{}, domain.IOError("corrupt task record", err)
	}
	return t, nil
}
