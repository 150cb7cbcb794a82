// Package server implements the CoT server: the TCP/TLS listeners, the
// per-connection client sessions, the router that moves events between
// them, and the management control plane on a local UNIX socket.
package server

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkuester/taky/cot"
	"github.com/tkuester/taky/persist"
)

// pruneInterval rate-limits persistence pruning.
const pruneInterval = 10 * time.Second

// Client is what the router needs to know about a connected session,
// independent of how it connected.
type Client interface {
	// Send queues an event for delivery. It never blocks.
	Send(evt *cot.Event)

	// User returns a snapshot of the identified user, or nil for
	// anonymous sessions. The snapshot is safe to read while the
	// session keeps identifying.
	User() *cot.TAKUser

	// Monitor reports whether this is a read-only monitor session.
	Monitor() bool
}

// Router owns the set of connected sessions and the persistence store,
// and maps each (origin, event) pair to its destination set. All methods
// are safe for concurrent use from session goroutines.
type Router struct {
	mu      sync.RWMutex
	clients map[Client]struct{}

	store persist.Store

	// maxTTL caps each routed event's stale time; negative disables.
	maxTTL time.Duration

	pruneMu   sync.Mutex
	lastPrune time.Time

	log *logrus.Entry
}

// NewRouter builds a router around the given persistence store.
// maxPersistTTL is in seconds; -1 disables the stale-time clamp.
func NewRouter(store persist.Store, maxPersistTTL int) *Router {
	return &Router{
		clients: make(map[Client]struct{}),
		store:   store,
		maxTTL:  time.Duration(maxPersistTTL) * time.Second,
		log:     logrus.WithField("component", "router"),
	}
}

// Store exposes the persistence store, for the management endpoint.
func (r *Router) Store() persist.Store {
	return r.store
}

// ClientConnect registers a session. Sessions stay registered from
// socket accept until disconnect, identified or not.
func (r *Router) ClientConnect(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}
}

// ClientDisconnect removes a session.
func (r *Router) ClientDisconnect(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

// Clients returns a snapshot of the connected sessions.
func (r *Router) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]Client, 0, len(r.clients))
	for c := range r.clients {
		ret = append(ret, c)
	}
	return ret
}

// SendPersist replays the persisted world view to a session, skipping
// any event that carries the session's own UID so a client never hears
// its own echo.
func (r *Router) SendPersist(c Client) {
	var ownUID string
	if user := c.User(); user != nil {
		ownUID = user.UID
	}

	for _, evt := range r.store.All() {
		if ownUID != "" && evt.UID == ownUID {
			continue
		}
		c.Send(evt)
	}
}

// Route dispatches one event from a session. The decision tree, first
// match wins: chat addressing, marti addressing, broadcast.
func (r *Router) Route(src Client, evt *cot.Event) {
	if src != nil && src.Monitor() {
		// Monitor sessions never originate routed events.
		return
	}

	r.clampStale(evt)

	if chat, ok := evt.Detail.(*cot.GeoChat); ok {
		r.routeChat(src, evt, chat)
		return
	}

	if dests := cot.MartiDests(evt.Detail); len(dests) > 0 {
		r.routeMarti(evt, dests)
		return
	}

	r.store.Track(evt)
	r.Prune()
	r.broadcast(src, evt)
}

// routeChat delivers a GeoChat to its inferred destination. Chat events
// are never persisted.
func (r *Router) routeChat(src Client, evt *cot.Event, chat *cot.GeoChat) {
	switch {
	case chat.Broadcast:
		r.broadcast(src, evt)
	case chat.HasTeam:
		r.groupBroadcast(src, evt, chat.DstTeam)
	default:
		if !r.sendToUID(chat.DstUID, evt) {
			r.log.WithFields(logrus.Fields{
				"src_uid": chat.SrcUID,
				"dst_uid": chat.DstUID,
			}).Warn("no destination for chat message")
		}
	}
}

// routeMarti delivers an event to each marti destination, preferring UID
// matches over callsign matches. Destinations that resolve to no session
// are dropped, never broadcast.
func (r *Router) routeMarti(evt *cot.Event, dests []cot.MartiDest) {
	for _, dest := range dests {
		if dest.UID != "" && r.sendToUID(dest.UID, evt) {
			continue
		}
		if dest.Callsign != "" && r.sendToCallsign(dest.Callsign, evt) {
			continue
		}
		r.log.WithFields(logrus.Fields{
			"uid":      dest.UID,
			"callsign": dest.Callsign,
		}).Debug("marti destination not found")
	}
}

// broadcast sends to every session except the origin.
func (r *Router) broadcast(src Client, evt *cot.Event) {
	for _, c := range r.Clients() {
		if c == src {
			continue
		}
		c.Send(evt)
	}
}

// groupBroadcast sends to every session whose identified user belongs to
// the team, except the origin.
func (r *Router) groupBroadcast(src Client, evt *cot.Event, team cot.Team) {
	for _, c := range r.Clients() {
		if c == src {
			continue
		}
		if user := c.User(); user != nil && user.Group == team {
			c.Send(evt)
		}
	}
}

// sendToUID sends to every session identified by the given UID and
// reports whether any was found.
func (r *Router) sendToUID(uid string, evt *cot.Event) bool {
	if uid == "" {
		return false
	}
	sent := false
	for _, c := range r.Clients() {
		if user := c.User(); user != nil && user.UID == uid {
			c.Send(evt)
			sent = true
		}
	}
	return sent
}

// sendToCallsign sends to every session identified by the given callsign
// and reports whether any was found.
func (r *Router) sendToCallsign(callsign string, evt *cot.Event) bool {
	sent := false
	for _, c := range r.Clients() {
		if user := c.User(); user != nil && user.Callsign == callsign {
			c.Send(evt)
			sent = true
		}
	}
	return sent
}

// clampStale caps the event's stale time at now + maxTTL.
func (r *Router) clampStale(evt *cot.Event) {
	if r.maxTTL < 0 {
		return
	}
	limit := time.Now().Add(r.maxTTL)
	if evt.Stale.After(limit) {
		evt.Stale = limit
	}
}

// Prune expires stale persisted events, at most once per pruneInterval.
func (r *Router) Prune() {
	r.pruneMu.Lock()
	if time.Since(r.lastPrune) < pruneInterval {
		r.pruneMu.Unlock()
		return
	}
	r.lastPrune = time.Now()
	r.pruneMu.Unlock()

	r.store.Prune()
}
