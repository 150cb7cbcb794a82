package cot

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// Chat parent group identifiers.
const (
	ChatParentRoot = "RootContactGroup"
	ChatParentTeam = "TeamGroups"
)

// AllChatRooms is the chatroom name that addresses every connected
// client.
const AllChatRooms = "All Chat Rooms"

// GeoChat is a chat message embedded as a CoT event (type b-t-f). The
// routing destination is inferred at parse time: exactly one of
// Broadcast, DstTeam, or DstUID is set.
type GeoChat struct {
	Chatroom   string
	ChatParent string
	GroupOwner bool

	SrcUID    string
	SrcCS     string
	SrcMarker string

	Message string

	// Destination, exactly one of:
	Broadcast bool
	DstTeam   Team
	HasTeam   bool
	DstUID    string

	elm *etree.Element
}

// Element returns the original <detail> element.
func (c *GeoChat) Element() *etree.Element { return c.elm }

func (c *GeoChat) isDetail() {}

// geoChatFromElement parses a GeoChat detail. The caller has already
// verified the {__chat, remarks, link} tag set.
func geoChatFromElement(elm *etree.Element, evt *Event) (*GeoChat, error) {
	chat := elm.SelectElement("__chat")
	remarks := elm.SelectElement("remarks")
	link := elm.SelectElement("link")
	if chat.SelectElement("chatgrp") == nil {
		return nil, &UnmarshalError{Reason: "missing chatgrp", Child: "__chat"}
	}

	gch := &GeoChat{
		Chatroom:   chat.SelectAttrValue("chatroom", ""),
		ChatParent: chat.SelectAttrValue("parent", ""),
		GroupOwner: chat.SelectAttrValue("groupOwner", "") == "true",
		SrcUID:     link.SelectAttrValue("uid", ""),
		SrcCS:      chat.SelectAttrValue("senderCallsign", ""),
		SrcMarker:  link.SelectAttrValue("type", ""),
		Message:    remarks.Text(),
		elm:        elm,
	}

	switch {
	case gch.ChatParent == ChatParentTeam:
		team := Team(gch.Chatroom)
		if !team.Valid() {
			return nil, &UnmarshalError{Reason: "unknown team " + gch.Chatroom, Child: "__chat"}
		}
		gch.DstTeam = team
		gch.HasTeam = true
	case gch.Chatroom == AllChatRooms:
		gch.Broadcast = true
	default:
		gch.DstUID = chat.SelectAttrValue("id", "")
	}

	return gch, nil
}

// destUID returns the destination token used when marshaling: the
// all-chat literal, the team name, or the recipient UID.
func (c *GeoChat) destUID() string {
	switch {
	case c.Broadcast:
		return AllChatRooms
	case c.HasTeam:
		return c.DstTeam.String()
	default:
		return c.DstUID
	}
}

// NewGeoChat builds a complete chat event from src to one of: a recipient
// UID with its callsign, a Team, or the all-chat room. The event carries
// a fresh GeoChat.<src>.<dst>.<uuid> identity.
func NewGeoChat(src *TAKUser, dstUID, dstCS, message string, now time.Time) *Event {
	gch := &GeoChat{
		ChatParent: ChatParentRoot,
		Chatroom:   dstCS,
		SrcUID:     src.UID,
		SrcCS:      src.Callsign,
		SrcMarker:  src.Marker,
		Message:    message,
		DstUID:     dstUID,
	}
	switch {
	case dstUID == AllChatRooms:
		gch.Broadcast = true
		gch.DstUID = ""
	case Team(dstUID).Valid():
		gch.ChatParent = ChatParentTeam
		gch.DstTeam = Team(dstUID)
		gch.HasTeam = true
		gch.DstUID = ""
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	evt := &Event{
		Version: "2.0",
		UID:     fmt.Sprintf("GeoChat.%s.%s.%s", gch.SrcUID, dstCS, uuid.New()),
		Type:    "b-t-f",
		How:     "h-g-i-g-o",
		Time:    now,
		Start:   now,
		Stale:   now,
		Point:   src.Point,
	}
	gch.elm = gch.buildDetail(evt)
	evt.Detail = gch

	return evt
}

// buildDetail synthesizes the <detail> subtree for an outgoing chat.
func (c *GeoChat) buildDetail(evt *Event) *etree.Element {
	dst := c.destUID()

	detail := etree.NewElement("detail")
	chat := detail.CreateElement("__chat")
	chat.CreateAttr("parent", c.ChatParent)
	chat.CreateAttr("groupOwner", fmt.Sprintf("%t", c.GroupOwner))
	chat.CreateAttr("chatroom", c.Chatroom)
	chat.CreateAttr("id", dst)
	chat.CreateAttr("senderCallsign", c.SrcCS)

	chatgrp := chat.CreateElement("chatgrp")
	chatgrp.CreateAttr("uid0", c.SrcUID)
	chatgrp.CreateAttr("uid1", dst)
	chatgrp.CreateAttr("id", dst)

	link := detail.CreateElement("link")
	link.CreateAttr("uid", c.SrcUID)
	link.CreateAttr("type", c.SrcMarker)
	link.CreateAttr("relation", "p-p")

	remarks := detail.CreateElement("remarks")
	remarks.CreateAttr("source", "BAO.F.ATAK."+c.SrcUID)
	remarks.CreateAttr("to", dst)
	remarks.CreateAttr("time", FormatTime(evt.Time))
	remarks.SetText(c.Message)

	return detail
}
