package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisPersister stores checkpoints in Redis: one string value per
// checkpoint plus a ZSET index scored by save time, so listings come back in
// checkpoint order without scanning the keyspace.
type RedisPersister struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOption configures a RedisPersister.
type RedisOption func(*RedisPersister)

// WithKeyPrefix sets the key prefix for checkpoints.
func WithKeyPrefix(prefix string) RedisOption {
	return func(p *RedisPersister) {
		p.prefix = prefix
	}
}

// WithTTL sets an expiration for checkpoints. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(p *RedisPersister) {
		p.ttl = ttl
	}
}

// WithRedisLogger sets the persister logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(p *RedisPersister) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewRedisPersister creates a persister with its own client.
func NewRedisPersister(address, password string, db int, opts ...RedisOption) *RedisPersister {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisPersisterFromClient(client, opts...)
}

// NewRedisPersisterFromClient creates a persister on an existing client.
func NewRedisPersisterFromClient(client *backend.Client, opts ...RedisOption) *RedisPersister {
	p := &RedisPersister{
		client: client,
		prefix: "procmate:checkpoint:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RedisPersister) key(pid, tag string) string {
	return p.prefix + member(pid, tag)
}

func (p *RedisPersister) indexKey() string {
	return p.prefix + "index"
}

// member encodes (pid, tag) into one index member. Tags may not contain the
// separator.
func member(pid, tag string) string {
	return pid + "/" + tag
}

func splitMember(m string) (pid, tag string, ok bool) {
	i := strings.Index(m, "/")
	if i < 0 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}

// SaveCheckpoint implements Persister.
func (p *RedisPersister) SaveCheckpoint(ctx context.Context, b *Bundle, tag string) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if strings.Contains(tag, "/") {
		return fmt.Errorf("invalid checkpoint tag %q", tag)
	}
	data, err := b.Encode()
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, p.key(b.PID, tag), data, p.ttl)
	pipe.ZAdd(ctx, p.indexKey(), backend.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: member(b.PID, tag),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Persister.
func (p *RedisPersister) LoadCheckpoint(ctx context.Context, pid, tag string) (*Bundle, error) {
	val, err := p.client.Get(ctx, p.key(pid, tag)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	return DecodeBundle([]byte(val))
}

// ListCheckpoints implements Persister.
func (p *RedisPersister) ListCheckpoints(ctx context.Context) ([]CheckpointRef, error) {
	return p.list(ctx, "")
}

// ListProcessCheckpoints implements Persister.
func (p *RedisPersister) ListProcessCheckpoints(ctx context.Context, pid string) ([]CheckpointRef, error) {
	return p.list(ctx, pid)
}

// list walks the index oldest first, lazily pruning members whose values
// have expired.
func (p *RedisPersister) list(ctx context.Context, pidFilter string) ([]CheckpointRef, error) {
	members, err := p.client.ZRangeWithScores(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints from redis: %w", err)
	}

	var refs []CheckpointRef
	var stale []interface{}
	for _, z := range members {
		m, _ := z.Member.(string)
		pid, tag, ok := splitMember(m)
		if !ok {
			continue
		}
		if pidFilter != "" && pid != pidFilter {
			continue
		}
		exists, err := p.client.Exists(ctx, p.key(pid, tag)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints from redis: %w", err)
		}
		if exists == 0 {
			stale = append(stale, m)
			continue
		}
		refs = append(refs, CheckpointRef{
			PID:     pid,
			Tag:     tag,
			SavedAt: time.Unix(0, int64(z.Score)),
		})
	}

	if len(stale) > 0 {
		if err := p.client.ZRem(ctx, p.indexKey(), stale...).Err(); err != nil {
			p.logger.Warn("failed to prune expired checkpoint index entries", "error", err)
		}
	}
	return refs, nil
}

// DeleteCheckpoint implements Persister.
func (p *RedisPersister) DeleteCheckpoint(ctx context.Context, pid, tag string) error {
	pipe := p.client.Pipeline()
	pipe.Del(ctx, p.key(pid, tag))
	pipe.ZRem(ctx, p.indexKey(), member(pid, tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint from redis: %w", err)
	}
	return nil
}

// DeleteProcessCheckpoints implements Persister.
func (p *RedisPersister) DeleteProcessCheckpoints(ctx context.Context, pid string) error {
	refs, err := p.ListProcessCheckpoints(ctx, pid)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, ref := range refs {
		pipe.Del(ctx, p.key(ref.PID, ref.Tag))
		pipe.ZRem(ctx, p.indexKey(), member(ref.PID, ref.Tag))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoints from redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
