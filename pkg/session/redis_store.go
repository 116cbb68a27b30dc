package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/agentrelay/agent"
)

// RedisStore implements Store using Redis.
// It provides shared session storage suitable for multi-node deployments.
//
// Channel logs are a sorted set of message ids scored by creation time in
// unix milliseconds, plus a hash of id to message JSON.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "agentrelay:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultRedisPrefix = "agentrelay:"

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key helpers
func (r *RedisStore) sessionKey(id string) string        { return r.prefix + "session:" + id }
func (r *RedisStore) sessionIndexKey() string            { return r.prefix + "sessions" }
func (r *RedisStore) channelKey(id string) string        { return r.prefix + "channel:" + id }
func (r *RedisStore) bindingKey(key string) string       { return r.prefix + "channel-key:" + key }
func (r *RedisStore) reverseBindingKey(id string) string { return r.prefix + "channel-binding:" + id }
func (r *RedisStore) messageIndexKey(id string) string   { return r.prefix + "messages:" + id }
func (r *RedisStore) messageDataKey(id string) string    { return r.prefix + "message-data:" + id }

func (r *RedisStore) check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStorageClosed
	}
	return nil
}

func (r *RedisStore) SaveSession(ctx context.Context, s *Session) error {
	if err := r.check(); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(s.ID), data, 0)
	pipe.SAdd(ctx, r.sessionIndexKey(), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := r.check(); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.SRem(ctx, r.sessionIndexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.sessionIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Dangling index entry.
				r.client.SRem(ctx, r.sessionIndexKey(), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}
	sortSessions(sessions)
	return sessions, nil
}

func (r *RedisStore) SaveChannel(ctx context.Context, ch *Channel) error {
	if err := r.check(); err != nil {
		return err
	}

	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal channel: %w", err)
	}
	if err := r.client.Set(ctx, r.channelKey(ch.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return nil
}

// CreateChannelIfAbsent writes the channel first and then claims key with
// SETNX, so a reader that sees the binding always finds the channel. A
// losing writer removes its own channel.
func (r *RedisStore) CreateChannelIfAbsent(ctx context.Context, key string, ch *Channel) (*Channel, bool, error) {
	if err := r.SaveChannel(ctx, ch); err != nil {
		return nil, false, err
	}

	won, err := r.client.SetNX(ctx, r.bindingKey(key), ch.ID, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim channel key: %w", err)
	}
	if won {
		if err := r.client.Set(ctx, r.reverseBindingKey(ch.ID), key, 0).Err(); err != nil {
			return nil, false, fmt.Errorf("bind channel key: %w", err)
		}
		return ch, true, nil
	}

	_ = r.client.Del(ctx, r.channelKey(ch.ID)).Err()

	id, err := r.client.Get(ctx, r.bindingKey(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("resolve channel key: %w", err)
	}
	existing, err := r.LoadChannel(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *RedisStore) LoadChannel(ctx context.Context, id string) (*Channel, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.channelKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}

	var ch Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal channel: %w", err)
	}
	return &ch, nil
}

func (r *RedisStore) DeleteChannel(ctx context.Context, id string) error {
	if err := r.check(); err != nil {
		return err
	}

	key, err := r.client.Get(ctx, r.reverseBindingKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get channel binding: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.channelKey(id), r.reverseBindingKey(id), r.messageIndexKey(id), r.messageDataKey(id))
	if key != "" {
		pipe.Del(ctx, r.bindingKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

func (r *RedisStore) AppendMessage(ctx context.Context, msg *agent.Message) error {
	if err := r.check(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.messageDataKey(msg.ChannelID), msg.ID, data)
	pipe.ZAdd(ctx, r.messageIndexKey(msg.ChannelID), redis.Z{
		Score:  float64(msg.CreatedAt.UnixMilli()),
		Member: msg.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *RedisStore) Messages(ctx context.Context, channelID string, opts HistoryOptions) ([]*agent.Message, bool, error) {
	if err := r.check(); err != nil {
		return nil, false, err
	}

	bounds := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(opts.limit() + 1)}
	if !opts.Before.IsZero() {
		bounds.Max = "(" + strconv.FormatInt(opts.Before.UnixMilli(), 10)
	}
	if !opts.After.IsZero() {
		bounds.Min = "(" + strconv.FormatInt(opts.After.UnixMilli(), 10)
	}

	ids, err := r.client.ZRevRangeByScore(ctx, r.messageIndexKey(channelID), bounds).Result()
	if err != nil {
		return nil, false, fmt.Errorf("query messages: %w", err)
	}

	hasMore := len(ids) > opts.limit()
	if hasMore {
		ids = ids[:opts.limit()]
	}
	if len(ids) == 0 {
		return []*agent.Message{}, false, nil
	}

	values, err := r.client.HMGet(ctx, r.messageDataKey(channelID), ids...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("load messages: %w", err)
	}

	msgs := make([]*agent.Message, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg agent.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, false, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	slices.Reverse(msgs)
	return msgs, hasMore, nil
}

func (r *RedisStore) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := r.check(); err != nil {
		return err
	}

	removed, err := r.client.ZRem(ctx, r.messageIndexKey(channelID), messageID).Result()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if removed == 0 {
		return ErrMessageNotFound
	}
	if err := r.client.HDel(ctx, r.messageDataKey(channelID), messageID).Err(); err != nil {
		return fmt.Errorf("delete message data: %w", err)
	}
	return nil
}

func (r *RedisStore) ClearMessages(ctx context.Context, channelID string) error {
	if err := r.check(); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.messageIndexKey(channelID), r.messageDataKey(channelID)).Err(); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
