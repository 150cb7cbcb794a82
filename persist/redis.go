package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tkuester/taky/cot"
)

// opTimeout bounds every redis call so a dead server cannot stall the
// router for long.
const opTimeout = 2 * time.Second

// RedisStore keeps events as raw XML under taky:<site>:persist:<uid>,
// relying on redis' per-key expiry for eviction.
//
// The backend degrades gracefully: when the connection is lost, every
// operation behaves as though the store were empty, and the state change
// is logged exactly once in each direction.
type RedisStore struct {
	rds *redis.Client
	ks  string
	log *logrus.Entry

	mu sync.Mutex
	ok bool
}

// NewRedisStore connects to redis. An empty connURL selects the default
// local instance. A connect failure is not fatal; the store starts in the
// degraded state and recovers when redis does.
func NewRedisStore(site, connURL string) (*RedisStore, error) {
	var opts *redis.Options
	if connURL != "" {
		var err error
		if opts, err = redis.ParseURL(connURL); err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{}
	}

	ks := "taky:persist"
	if site != "" {
		ks = "taky:" + site + ":persist"
	}

	s := &RedisStore{
		rds: redis.NewClient(opts),
		ks:  ks,
		ok:  true,
		log: logrus.WithField("component", "persist"),
	}
	s.log.WithField("keyspace", s.ks).Info("using redis persistence")

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if n, err := s.count(ctx); err != nil {
		s.result(err)
	} else {
		s.log.WithField("events", n).Info("tracking events from redis")
	}

	return s, nil
}

// result is the set/reset latch that reports connection loss and
// recovery once per transition.
func (s *RedisStore) result(err error) {
	healthy := err == nil || errors.Is(err, redis.Nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ok && !healthy {
		s.log.WithError(err).Warn("lost connection to redis")
	} else if !s.ok && healthy {
		s.log.Info("connection to redis restored")
	}
	s.ok = healthy
}

func (s *RedisStore) key(uid string) string {
	return s.ks + ":" + uid
}

func (s *RedisStore) count(ctx context.Context) (int, error) {
	keys, err := s.keys(ctx)
	return len(keys), err
}

func (s *RedisStore) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rds.Scan(ctx, 0, s.ks+":*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Track implements Store.
func (s *RedisStore) Track(evt *cot.Event) {
	if !Kept(evt.Type) {
		return
	}
	ttl := evt.PersistTTL(time.Now())
	if ttl <= 0 {
		return
	}

	xml, err := evt.XML()
	if err != nil {
		s.log.WithError(err).WithField("uid", evt.UID).Warn("unable to serialize event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err = s.rds.Set(ctx, s.key(evt.UID), xml, ttl).Err()
	s.result(err)
}

// Exists implements Store.
func (s *RedisStore) Exists(uid string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	n, err := s.rds.Exists(ctx, s.key(uid)).Result()
	s.result(err)
	return err == nil && n > 0
}

// Get implements Store.
func (s *RedisStore) Get(uid string) *cot.Event {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.getKey(ctx, s.key(uid))
}

// getKey fetches and parses one stored event. Entries that fail to parse
// are purged so they cannot wedge every snapshot that follows.
func (s *RedisStore) getKey(ctx context.Context, key string) *cot.Event {
	raw, err := s.rds.Get(ctx, key).Bytes()
	s.result(err)
	if err != nil {
		return nil
	}

	evt, err := cot.EventFromBytes(raw)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("purging unparseable event")
		if err := s.rds.Del(ctx, key).Err(); err != nil {
			s.result(err)
		}
		return nil
	}
	return evt
}

// All implements Store.
func (s *RedisStore) All() []*cot.Event {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	keys, err := s.keys(ctx)
	s.result(err)
	if err != nil {
		return nil
	}

	var ret []*cot.Event
	for _, key := range keys {
		if evt := s.getKey(ctx, key); evt != nil {
			ret = append(ret, evt)
		}
	}
	return ret
}

// Prune implements Store. Redis expires keys on its own.
func (s *RedisStore) Prune() {}

// Purge implements Store.
func (s *RedisStore) Purge() int {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	keys, err := s.keys(ctx)
	s.result(err)
	if err != nil || len(keys) == 0 {
		return 0
	}

	n, err := s.rds.Del(ctx, keys...).Result()
	s.result(err)
	return int(n)
}
