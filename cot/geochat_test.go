package cot

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatXML(parent, chatroom, id string) string {
	return `<event version="2.0" uid="GeoChat.UID-1.` + id + `.msg1" type="b-t-f" how="h-g-i-g-o" ` +
		`time="2023-05-01T12:00:00.000Z" start="2023-05-01T12:00:00.000Z" stale="2023-05-01T12:00:00.000Z">` +
		`<point lat="44.0" lon="-93.0" hae="0.0" ce="9999999.0" le="9999999.0"/>` +
		`<detail>` +
		`<__chat parent="` + parent + `" groupOwner="false" chatroom="` + chatroom + `" id="` + id + `" senderCallsign="JOKER">` +
		`<chatgrp uid0="UID-1" uid1="` + id + `" id="` + id + `"/></__chat>` +
		`<link uid="UID-1" type="a-f-G-U-C" relation="p-p"/>` +
		`<remarks source="BAO.F.ATAK.UID-1" to="` + id + `" time="2023-05-01T12:00:00.000Z">hello there</remarks>` +
		`</detail></event>`
}

func TestGeoChatParse(t *testing.T) {
	t.Run("broadcast", func(t *testing.T) {
		evt, err := EventFromBytes([]byte(chatXML("RootContactGroup", "All Chat Rooms", "All Chat Rooms")))
		require.NoError(t, err)

		chat, ok := evt.Detail.(*GeoChat)
		require.True(t, ok)
		assert.True(t, chat.Broadcast)
		assert.False(t, chat.HasTeam)
		assert.Empty(t, chat.DstUID)
		assert.Equal(t, "UID-1", chat.SrcUID)
		assert.Equal(t, "JOKER", chat.SrcCS)
		assert.Equal(t, "hello there", chat.Message)
	})

	t.Run("team", func(t *testing.T) {
		evt, err := EventFromBytes([]byte(chatXML("TeamGroups", "Cyan", "Cyan")))
		require.NoError(t, err)

		chat := evt.Detail.(*GeoChat)
		assert.False(t, chat.Broadcast)
		require.True(t, chat.HasTeam)
		assert.Equal(t, TeamCyan, chat.DstTeam)
	})

	t.Run("individual", func(t *testing.T) {
		evt, err := EventFromBytes([]byte(chatXML("RootContactGroup", "BATMAN", "UID-2")))
		require.NoError(t, err)

		chat := evt.Detail.(*GeoChat)
		assert.False(t, chat.Broadcast)
		assert.False(t, chat.HasTeam)
		assert.Equal(t, "UID-2", chat.DstUID)
	})

	t.Run("unknown team is a local error", func(t *testing.T) {
		_, err := EventFromBytes([]byte(chatXML("TeamGroups", "Chartreuse", "Chartreuse")))
		var uerr *UnmarshalError
		require.ErrorAs(t, err, &uerr)
		assert.Contains(t, uerr.Error(), "Chartreuse")
	})

	t.Run("missing chatgrp is a local error", func(t *testing.T) {
		raw := `<event version="2.0" uid="X" type="b-t-f" how="h-g-i-g-o" ` +
			`time="2023-05-01T12:00:00.000Z" start="2023-05-01T12:00:00.000Z" stale="2023-05-01T12:00:00.000Z">` +
			`<detail><__chat parent="RootContactGroup" chatroom="All Chat Rooms" id="All Chat Rooms"/>` +
			`<link uid="X" type="a-f" relation="p-p"/><remarks>hi</remarks></detail></event>`
		_, err := EventFromBytes([]byte(raw))
		assert.Error(t, err)
	})
}

func TestNewGeoChat(t *testing.T) {
	src := NewTAKUser()
	src.UID = "UID-1"
	src.Callsign = "JOKER"
	src.Marker = "a-f-G-U-C"
	now := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("to individual", func(t *testing.T) {
		evt := NewGeoChat(src, "UID-2", "BATMAN", "hello", now)

		assert.Equal(t, "b-t-f", evt.Type)
		assert.Contains(t, evt.UID, "GeoChat.UID-1.BATMAN.")
		assert.Equal(t, now, evt.Stale, "chat events are never persisted")

		chat, ok := evt.Detail.(*GeoChat)
		require.True(t, ok)
		assert.Equal(t, "UID-2", chat.DstUID)
		assert.Equal(t, "hello", chat.Message)

		// The synthesized event must parse back as the same chat.
		raw, err := evt.XML()
		require.NoError(t, err)
		again, err := EventFromBytes(raw)
		require.NoError(t, err)
		chat2, ok := again.Detail.(*GeoChat)
		require.True(t, ok)
		assert.Equal(t, "UID-2", chat2.DstUID)
		assert.Equal(t, "hello", chat2.Message)
	})

	t.Run("to team", func(t *testing.T) {
		evt := NewGeoChat(src, "Cyan", "Cyan", "go go go", now)
		chat := evt.Detail.(*GeoChat)
		require.True(t, chat.HasTeam)
		assert.Equal(t, TeamCyan, chat.DstTeam)
		assert.Equal(t, ChatParentTeam, chat.ChatParent)
	})

	t.Run("to all chat rooms", func(t *testing.T) {
		evt := NewGeoChat(src, AllChatRooms, AllChatRooms, "hi all", now)
		chat := evt.Detail.(*GeoChat)
		assert.True(t, chat.Broadcast)
		assert.Empty(t, chat.DstUID)
	})

	t.Run("uids are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 16; i++ {
			evt := NewGeoChat(src, "UID-2", "BATMAN", fmt.Sprintf("msg %d", i), now)
			assert.False(t, seen[evt.UID])
			seen[evt.UID] = true
		}
	})
}
