package cot

import (
	"strings"
	"time"

	"github.com/beevik/etree"
)

// cotTimeFormat is the serialization format for the three event
// timestamps: ISO-8601 with millisecond precision and a trailing Z.
const cotTimeFormat = "2006-01-02T15:04:05.000Z"

// Event is a single CoT message. UID is the event's primary identity;
// Type is the dotted CoT type token (e.g. "a-f-G-U-C"); Stale defines the
// TTL used by the persistence store.
type Event struct {
	Version string
	UID     string
	Type    string
	How     string

	Time  time.Time
	Start time.Time
	Stale time.Time

	Point  Point
	Detail Detail
}

// ParseTime parses a CoT timestamp. TAK clients emit ISO-8601 with
// varying sub-second precision, with or without a zone designator.
func ParseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return t.UTC(), nil
	}
	t, err2 := time.Parse("2006-01-02T15:04:05.999999999", raw)
	if err2 == nil {
		return t.UTC(), nil
	}
	return time.Time{}, err
}

// FormatTime serializes a timestamp the way TAK clients expect it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(cotTimeFormat)
}

// EventFromElement unmarshals an <event> element. The returned error, if
// any, is an *UnmarshalError; it should be treated as local to this one
// event.
func EventFromElement(elm *etree.Element) (*Event, error) {
	if elm.Tag != "event" {
		return nil, &UnmarshalError{Reason: "cannot create Event from <" + elm.Tag + ">"}
	}

	evt := &Event{
		Version: elm.SelectAttrValue("version", ""),
		UID:     elm.SelectAttrValue("uid", ""),
		Type:    elm.SelectAttrValue("type", ""),
		How:     elm.SelectAttrValue("how", ""),
		Point:   NewPoint(),
	}

	var err error
	for _, ts := range []struct {
		attr string
		dst  *time.Time
	}{
		{"time", &evt.Time},
		{"start", &evt.Start},
		{"stale", &evt.Stale},
	} {
		raw := elm.SelectAttrValue(ts.attr, "")
		if *ts.dst, err = ParseTime(raw); err != nil {
			return nil, &UnmarshalError{Reason: "date parsing error in '" + ts.attr + "'", Err: err}
		}
	}

	if evt.UID == "" {
		return nil, &UnmarshalError{Reason: "event must have 'uid' attribute"}
	}
	if evt.Type == "" {
		return nil, &UnmarshalError{Reason: "event must have 'type' attribute"}
	}

	for _, child := range elm.ChildElements() {
		switch child.Tag {
		case "point":
			if evt.Point, err = PointFromElement(child); err != nil {
				return nil, err
			}
		case "detail":
			if evt.Detail, err = detailFromElement(child, evt); err != nil {
				return nil, err
			}
		}
	}

	return evt, nil
}

// EventFromBytes parses a complete <event> document from raw XML.
func EventFromBytes(raw []byte) (*Event, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &UnmarshalError{Reason: "invalid XML", Err: err}
	}
	root := doc.Root()
	if root == nil {
		return nil, &UnmarshalError{Reason: "empty document"}
	}
	return EventFromElement(root)
}

// Element marshals the event back to an <event> element. Details
// round-trip their original subtree.
func (e *Event) Element() *etree.Element {
	elm := etree.NewElement("event")
	elm.CreateAttr("version", e.Version)
	elm.CreateAttr("uid", e.UID)
	elm.CreateAttr("type", e.Type)
	elm.CreateAttr("how", e.How)
	elm.CreateAttr("time", FormatTime(e.Time))
	elm.CreateAttr("start", FormatTime(e.Start))
	elm.CreateAttr("stale", FormatTime(e.Stale))
	elm.AddChild(e.Point.Element())
	if e.Detail != nil {
		elm.AddChild(e.Detail.Element().Copy())
	}
	return elm
}

// XML serializes the event as a standalone <event> document, with no XML
// declaration. This is the exact shape written to client sockets.
func (e *Event) XML() ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(e.Element())
	return doc.WriteToBytes()
}

// PersistTTL returns the remaining time until the event goes stale,
// rounded to the nearest second. Zero or negative means the event should
// not be tracked.
func (e *Event) PersistTTL(now time.Time) time.Duration {
	return e.Stale.Sub(now).Round(time.Second)
}

// IsAtom reports whether the event is a CoT atom (a tracked object or a
// client self-description).
func (e *Event) IsAtom() bool {
	return strings.HasPrefix(e.Type, "a")
}

// IsPing reports whether the event is a TAK ping.
func (e *Event) IsPing() bool {
	return e.Type == "t-x-c-t"
}
