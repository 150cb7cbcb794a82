// Package persist implements the server-side cache of "sticky" CoT
// events: positions, markers, drawings, and emergencies. The latest event
// for each UID is kept until its stale time passes, so that newly
// connecting clients can be brought up to a coherent world view.
//
// Two backends exist: an in-memory map, and a redis keyspace that
// survives server restarts and is shared with any other tooling that can
// speak redis.
package persist

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkuester/taky/cot"
)

// keptPrefixes lists the event type prefixes worth persisting.
//
//	a-        atoms: user positions, markers
//	b-m-p     map points (GOTO, digital pointer)
//	b-r-f-h-c EVAC
//	u-d-*     drawings: circle, rectangle, line/polygon
var keptPrefixes = []string{
	"a-",
	"b-m-p",
	"b-r-f-h-c",
	"u-d-c",
	"u-d-r",
	"u-d-f",
}

// Kept reports whether events of the given type belong in the
// persistence store.
func Kept(etype string) bool {
	for _, prefix := range keptPrefixes {
		if strings.HasPrefix(etype, prefix) {
			return true
		}
	}
	return false
}

// Store is a TTL-indexed mapping from event UID to the latest Event with
// that UID. A later Track for the same UID replaces the stored event and
// resets its TTL. Implementations are safe for concurrent use.
type Store interface {
	// Track upserts the event if its type is kept and it has not
	// already gone stale.
	Track(evt *cot.Event)

	// Exists reports whether an event with the given UID is tracked.
	Exists(uid string) bool

	// Get returns the tracked event with the given UID, or nil.
	Get(uid string) *cot.Event

	// All returns every tracked event. Entries that can no longer be
	// parsed are skipped and purged as a side effect.
	All() []*cot.Event

	// Prune removes entries whose stale time has passed. Callers are
	// expected to rate-limit this.
	Prune()

	// Purge empties the store and returns the number of events removed.
	Purge() int
}

// Build constructs a Store from the configuration: a redis backend when
// enabled (with an optional connect URI), otherwise the in-memory store.
// site namespaces the redis keys so that several servers can share one
// redis instance.
func Build(site string, redisEnabled bool, redisURL string) (Store, error) {
	if redisEnabled || redisURL != "" {
		return NewRedisStore(site, redisURL)
	}
	return NewMemoryStore(), nil
}

// MemoryStore is the in-memory Store. Contents are lost when the server
// exits.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*cot.Event
	log    *logrus.Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*cot.Event),
		log:    logrus.WithField("component", "persist"),
	}
}

// Track implements Store.
func (s *MemoryStore) Track(evt *cot.Event) {
	if !Kept(evt.Type) {
		return
	}
	ttl := evt.PersistTTL(time.Now())
	if ttl <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[evt.UID]; ok {
		s.log.WithFields(logrus.Fields{
			"uid": evt.UID,
			"ttl": ttl.Seconds(),
		}).Debug("updating tracked event")
	} else {
		s.log.WithFields(logrus.Fields{
			"uid": evt.UID,
			"ttl": ttl.Seconds(),
		}).Debug("tracking new event")
	}
	s.events[evt.UID] = evt
}

// Exists implements Store.
func (s *MemoryStore) Exists(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[uid]
	return ok
}

// Get implements Store.
func (s *MemoryStore) Get(uid string) *cot.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[uid]
}

// All implements Store.
func (s *MemoryStore) All() []*cot.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]*cot.Event, 0, len(s.events))
	for _, evt := range s.events {
		ret = append(ret, evt)
	}
	return ret
}

// Prune implements Store by walking the map and dropping stale entries.
func (s *MemoryStore) Prune() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for uid, evt := range s.events {
		if now.After(evt.Stale) {
			s.log.WithFields(logrus.Fields{
				"uid":   uid,
				"stale": evt.Stale,
			}).Info("pruning stale event")
			delete(s.events, uid)
		}
	}
}

// Purge implements Store.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.events)
	s.events = make(map[string]*cot.Event)
	return n
}
