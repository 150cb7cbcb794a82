package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkuester/taky/cot"
	"github.com/tkuester/taky/persist"
)

// fakeClient records everything the router sends it.
type fakeClient struct {
	mu      sync.Mutex
	user    *cot.TAKUser
	monitor bool
	events  []*cot.Event
}

func (f *fakeClient) Send(evt *cot.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeClient) User() *cot.TAKUser { return f.user }
func (f *fakeClient) Monitor() bool      { return f.monitor }

func (f *fakeClient) received() []*cot.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*cot.Event(nil), f.events...)
}

func identifiedClient(uid, callsign string, team cot.Team) *fakeClient {
	return &fakeClient{user: &cot.TAKUser{UID: uid, Callsign: callsign, Group: team}}
}

func atomEvent(uid string, ttl time.Duration) *cot.Event {
	now := time.Now().UTC()
	return &cot.Event{
		Version: "2.0",
		UID:     uid,
		Type:    "a-f-G-U-C",
		How:     "m-g",
		Time:    now,
		Start:   now,
		Stale:   now.Add(ttl),
		Point:   cot.NewPoint(),
	}
}

func martiEvent(t *testing.T, uid, destUID, destCS string) *cot.Event {
	t.Helper()
	dest := ""
	if destUID != "" {
		dest += ` uid="` + destUID + `"`
	}
	if destCS != "" {
		dest += ` callsign="` + destCS + `"`
	}
	raw := `<event version="2.0" uid="` + uid + `" type="b-m-p-s-m" how="h-g-i-g-o" ` +
		`time="2023-05-01T12:00:00.000Z" start="2023-05-01T12:00:00.000Z" stale="2030-05-01T12:05:00.000Z">` +
		`<point lat="1.0" lon="2.0"/>` +
		`<detail><marti><dest` + dest + `/></marti></detail></event>`
	evt, err := cot.EventFromBytes([]byte(raw))
	require.NoError(t, err)
	return evt
}

func chatEvent(t *testing.T, parent, chatroom, id string) *cot.Event {
	t.Helper()
	raw := `<event version="2.0" uid="GeoChat.UID-1.` + id + `.m1" type="b-t-f" how="h-g-i-g-o" ` +
		`time="2023-05-01T12:00:00.000Z" start="2023-05-01T12:00:00.000Z" stale="2023-05-01T12:00:00.000Z">` +
		`<point lat="1.0" lon="2.0"/>` +
		`<detail>` +
		`<__chat parent="` + parent + `" groupOwner="false" chatroom="` + chatroom + `" id="` + id + `" senderCallsign="JOKER">` +
		`<chatgrp uid0="UID-1" uid1="` + id + `" id="` + id + `"/></__chat>` +
		`<link uid="UID-1" type="a-f-G-U-C" relation="p-p"/>` +
		`<remarks to="` + id + `">hi</remarks>` +
		`</detail></event>`
	evt, err := cot.EventFromBytes([]byte(raw))
	require.NoError(t, err)
	return evt
}

func newTestRouter(clients ...Client) *Router {
	r := NewRouter(persist.NewMemoryStore(), -1)
	for _, c := range clients {
		r.ClientConnect(c)
	}
	return r
}

func TestRouteBroadcast(t *testing.T) {
	src := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
	other := identifiedClient("UID-2", "BATMAN", cot.TeamRed)
	anon := &fakeClient{}
	r := newTestRouter(src, other, anon)

	evt := atomEvent("UID-1", time.Minute)
	r.Route(src, evt)

	assert.Empty(t, src.received(), "origin never hears its own event")
	assert.Len(t, other.received(), 1)
	assert.Len(t, anon.received(), 1, "anonymous sessions receive broadcasts")
	assert.True(t, r.Store().Exists("UID-1"), "atoms are persisted")
}

func TestRouteMonitorOrigin(t *testing.T) {
	mon := &fakeClient{monitor: true}
	other := identifiedClient("UID-2", "BATMAN", cot.TeamRed)
	r := newTestRouter(mon, other)

	r.Route(mon, atomEvent("UID-X", time.Minute))

	assert.Empty(t, other.received(), "monitors never originate routed events")
	assert.False(t, r.Store().Exists("UID-X"))
}

func TestRouteChat(t *testing.T) {
	src := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
	teammate := identifiedClient("UID-2", "BATMAN", cot.TeamCyan)
	rival := identifiedClient("UID-3", "BANE", cot.TeamRed)
	anon := &fakeClient{}

	t.Run("broadcast", func(t *testing.T) {
		r := newTestRouter(src, teammate, rival, anon)
		evt := chatEvent(t, "RootContactGroup", "All Chat Rooms", "All Chat Rooms")
		r.Route(src, evt)

		assert.Empty(t, src.received())
		assert.Len(t, teammate.received(), 1)
		assert.Len(t, rival.received(), 1)
		assert.False(t, r.Store().Exists(evt.UID), "chat is never persisted")
	})

	t.Run("team", func(t *testing.T) {
		src := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
		teammate := identifiedClient("UID-2", "BATMAN", cot.TeamCyan)
		rival := identifiedClient("UID-3", "BANE", cot.TeamRed)
		anon := &fakeClient{}
		r := newTestRouter(src, teammate, rival, anon)

		r.Route(src, chatEvent(t, "TeamGroups", "Cyan", "Cyan"))

		assert.Empty(t, src.received(), "sender excluded even on own team")
		assert.Len(t, teammate.received(), 1)
		assert.Empty(t, rival.received())
		assert.Empty(t, anon.received(), "anonymous sessions have no team")
	})

	t.Run("individual", func(t *testing.T) {
		src := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
		dst := identifiedClient("UID-2", "BATMAN", cot.TeamCyan)
		other := identifiedClient("UID-3", "BANE", cot.TeamRed)
		r := newTestRouter(src, dst, other)

		r.Route(src, chatEvent(t, "RootContactGroup", "BATMAN", "UID-2"))

		assert.Len(t, dst.received(), 1)
		assert.Empty(t, other.received())
	})

	t.Run("unresolved destination dropped", func(t *testing.T) {
		src := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
		other := identifiedClient("UID-3", "BANE", cot.TeamRed)
		r := newTestRouter(src, other)

		r.Route(src, chatEvent(t, "RootContactGroup", "GHOST", "UID-404"))

		assert.Empty(t, other.received(), "misaddressed chat is not broadcast")
	})
}

func TestRouteMarti(t *testing.T) {
	t.Run("uid match", func(t *testing.T) {
		src := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
		dst := identifiedClient("UID-2", "BATMAN", cot.TeamCyan)
		other := identifiedClient("UID-3", "BANE", cot.TeamRed)
		r := newTestRouter(src, dst, other)

		evt := martiEvent(t, "M-1", "UID-2", "")
		r.Route(src, evt)

		assert.Len(t, dst.received(), 1)
		assert.Empty(t, other.received())
		assert.False(t, r.Store().Exists("M-1"), "marti events are not persisted")
	})

	t.Run("uid preferred over callsign", func(t *testing.T) {
		byUID := identifiedClient("UID-2", "SOMEONE", cot.TeamCyan)
		byCS := identifiedClient("UID-9", "BATMAN", cot.TeamCyan)
		r := newTestRouter(byUID, byCS)

		r.Route(nil, martiEvent(t, "M-1", "UID-2", "BATMAN"))

		assert.Len(t, byUID.received(), 1)
		assert.Empty(t, byCS.received())
	})

	t.Run("callsign fallback", func(t *testing.T) {
		byCS := identifiedClient("UID-9", "BATMAN", cot.TeamCyan)
		r := newTestRouter(byCS)

		r.Route(nil, martiEvent(t, "M-1", "UID-404", "BATMAN"))
		assert.Len(t, byCS.received(), 1)
	})

	t.Run("unresolved destination dropped silently", func(t *testing.T) {
		other := identifiedClient("UID-3", "BANE", cot.TeamRed)
		r := newTestRouter(other)

		r.Route(nil, martiEvent(t, "M-1", "UID-404", "GHOST"))
		assert.Empty(t, other.received())
	})

	t.Run("empty marti falls back to broadcast", func(t *testing.T) {
		src := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
		other := identifiedClient("UID-3", "BANE", cot.TeamRed)
		r := newTestRouter(src, other)

		raw := `<event version="2.0" uid="M-1" type="b-m-p-s-m" how="h-g-i-g-o" ` +
			`time="2023-05-01T12:00:00.000Z" start="2023-05-01T12:00:00.000Z" stale="2030-05-01T12:05:00.000Z">` +
			`<point lat="1.0" lon="2.0"/><detail><marti></marti></detail></event>`
		evt, err := cot.EventFromBytes([]byte(raw))
		require.NoError(t, err)

		r.Route(src, evt)
		assert.Len(t, other.received(), 1)
		assert.True(t, r.Store().Exists("M-1"))
	})
}

func TestSendPersist(t *testing.T) {
	r := newTestRouter()
	r.Store().Track(atomEvent("UID-1", time.Minute))
	r.Store().Track(atomEvent("UID-2", time.Minute))

	t.Run("own uid skipped", func(t *testing.T) {
		c := identifiedClient("UID-1", "JOKER", cot.TeamCyan)
		r.SendPersist(c)

		got := c.received()
		require.Len(t, got, 1)
		assert.Equal(t, "UID-2", got[0].UID)
	})

	t.Run("anonymous gets everything", func(t *testing.T) {
		c := &fakeClient{}
		r.SendPersist(c)
		assert.Len(t, c.received(), 2)
	})
}

func TestClampStale(t *testing.T) {
	t.Run("long ttl clamped", func(t *testing.T) {
		r := NewRouter(persist.NewMemoryStore(), 3600)
		evt := atomEvent("UID-1", 24*time.Hour)
		r.Route(nil, evt)

		assert.WithinDuration(t, time.Now().Add(time.Hour), evt.Stale, 5*time.Second)
	})

	t.Run("short ttl untouched", func(t *testing.T) {
		r := NewRouter(persist.NewMemoryStore(), 3600)
		stale := time.Now().Add(time.Minute)
		evt := atomEvent("UID-1", time.Minute)
		r.Route(nil, evt)

		assert.WithinDuration(t, stale, evt.Stale, time.Second)
	})

	t.Run("disabled", func(t *testing.T) {
		r := NewRouter(persist.NewMemoryStore(), -1)
		evt := atomEvent("UID-1", 24*time.Hour)
		r.Route(nil, evt)

		assert.WithinDuration(t, time.Now().Add(24*time.Hour), evt.Stale, 5*time.Second)
	})
}

func TestClientRegistry(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeClient{}, &fakeClient{}

	r.ClientConnect(a)
	r.ClientConnect(b)
	assert.Len(t, r.Clients(), 2)

	r.ClientDisconnect(a)
	assert.Len(t, r.Clients(), 1)

	// Disconnecting twice is harmless.
	r.ClientDisconnect(a)
	assert.Len(t, r.Clients(), 1)
}
