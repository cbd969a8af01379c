// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

const (
	stateChangeChannel = "session-updates"
	fanoutPattern      = "ws:*"
	keyPrefix          = "session:"

	opTimeout  = 5 * time.Second
	casTimeout = 2 * time.Second
)

// casUpdateLua performs the serialisable read-check-write: compare the
// stored version, replace the blob and refresh the TTL in one script.
// Returns 0 on success, -1 when the key is absent, or the actual stored
// version on mismatch (versions start at 1, so the ranges cannot collide).
const casUpdateLua = `
local current = redis.call('GET', KEYS[1])
if not current then
  return -1
end
local cur = cjson.decode(current)
if tonumber(cur['version']) ~= tonumber(ARGV[1]) then
  return tonumber(cur['version'])
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', tonumber(ARGV[3]))
return 0
`

// RedisStore is the Redis-backed implementation of Store.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	audit     AuditSink
	logger    zerolog.Logger
	casScript *redis.Script
}

// Options configures the Redis store adapter.
type Options struct {
	URL      string        // redis:// connection URL
	PoolSize int           // connection pool bound
	TTL      time.Duration // session liveness TTL, refreshed on every write
	Audit    AuditSink     // optional; invoked after committed mutations
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, opts Options, logger zerolog.Logger) (*RedisStore, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url invalid: %w", err)
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second
	if opts.PoolSize > 0 {
		ropts.PoolSize = opts.PoolSize
	}

	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", ropts.Addr).
		Int("db", ropts.DB).
		Dur("session_ttl", opts.TTL).
		Msg("connected to primary state store")

	return newRedisStore(client, opts, logger), nil
}

// newRedisStore wires an existing client; used directly by tests.
func newRedisStore(client *redis.Client, opts Options, logger zerolog.Logger) *RedisStore {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	audit := opts.Audit
	if audit == nil {
		audit = func(string, string, *model.Session) {}
	}
	return &RedisStore{
		client:    client,
		ttl:       ttl,
		audit:     audit,
		logger:    logger,
		casScript: redis.NewScript(casUpdateLua),
	}
}

func sessionKey(id string) string { return keyPrefix + id }

// Get loads the session record, or ErrNotFound when absent or expired.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrStoreUnavailable, err)
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Create stores a fresh record guarded by SET NX so a racing create loses.
func (s *RedisStore) Create(ctx context.Context, sess *model.Session) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sess.Version = 1
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, sessionKey(sess.SessionID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: create: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	s.publishStateChange(sess.SessionID, sess.Version, sess)
	s.audit(sess.SessionID, "create", sess)
	return nil
}

// Update runs the CAS script. A client-side read-then-write is not
// acceptable here; the version check and the write happen server-side.
func (s *RedisStore) Update(ctx context.Context, sessionID string, sess *model.Session, expectedVersion int64, eventType string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, casTimeout)
	defer cancel()

	sess.Version = expectedVersion + 1
	data, err := json.Marshal(sess)
	if err != nil {
		return 0, fmt.Errorf("marshal session: %w", err)
	}

	res, err := s.casScript.Run(ctx, s.client,
		[]string{sessionKey(sessionID)},
		expectedVersion, string(data), int64(s.ttl.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: cas: %w", ErrStoreUnavailable, err)
	}

	switch {
	case res == 0:
		s.publishStateChange(sessionID, sess.Version, sess)
		s.audit(sessionID, eventType, sess)
		return sess.Version, nil
	case res == -1:
		return 0, ErrNotFound
	default:
		return 0, &ConflictError{Expected: expectedVersion, Actual: res}
	}
}

// Delete removes the record and fans out a tombstone.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.client.Del(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("%w: delete: %w", ErrStoreUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.publishStateChange(sessionID, 0, nil)
	s.audit(sessionID, "delete", nil)
	return nil
}

// publishStateChange is best-effort: the store is the source of truth, a
// lost publish only delays convergence until the next mutation.
func (s *RedisStore) publishStateChange(sessionID string, version int64, sess *model.Session) {
	env := StateChange{SessionID: sessionID, Version: version, State: sess}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("marshal state-change envelope failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, stateChangeChannel, data).Err(); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("state-change publish failed")
	}
}

// PublishFanout sends a one-shot message on ws:{session_id}.
func (s *RedisStore) PublishFanout(ctx context.Context, sessionID string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, "ws:"+sessionID, payload).Err(); err != nil {
		return fmt.Errorf("%w: fanout publish: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// SubscribeStateChange opens the cluster-wide mutation subscription.
func (s *RedisStore) SubscribeStateChange(ctx context.Context) (<-chan StateChange, func()) {
	sub := s.client.Subscribe(ctx, stateChangeChannel)
	out := make(chan StateChange, 256)

	go func() {
		defer close(out)
		for msg := range sub.Channel(redis.WithChannelSize(256)) {
			var env StateChange
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Warn().Err(err).Msg("malformed state-change payload dropped")
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// SubscribeFanout opens the ws:{session_id} pattern subscription.
func (s *RedisStore) SubscribeFanout(ctx context.Context) (<-chan FanoutMessage, func()) {
	sub := s.client.PSubscribe(ctx, fanoutPattern)
	out := make(chan FanoutMessage, 256)

	go func() {
		defer close(out)
		for msg := range sub.Channel(redis.WithChannelSize(256)) {
			id := strings.TrimPrefix(msg.Channel, "ws:")
			select {
			case out <- FanoutMessage{SessionID: id, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// Ping verifies connectivity for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
