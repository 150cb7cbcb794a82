package cot

import (
	"errors"
	"strconv"
	"time"

	"github.com/beevik/etree"
)

// TAKDevice describes the hardware and software a TAK client runs on,
// from the <takv> tag.
type TAKDevice struct {
	OS       string
	Version  string
	Device   string
	Platform string
}

// takDeviceFromElement parses a <takv> element.
func takDeviceFromElement(elm *etree.Element) *TAKDevice {
	return &TAKDevice{
		OS:       elm.SelectAttrValue("os", ""),
		Version:  elm.SelectAttrValue("version", ""),
		Device:   elm.SelectAttrValue("device", ""),
		Platform: elm.SelectAttrValue("platform", ""),
	}
}

// Element builds a <takv> element.
func (d *TAKDevice) Element() *etree.Element {
	elm := etree.NewElement("takv")
	elm.CreateAttr("os", d.OS)
	elm.CreateAttr("device", d.Device)
	elm.CreateAttr("version", d.Version)
	elm.CreateAttr("platform", d.Platform)
	return elm
}

// TAKUserDetail is the detail variant a client sends to describe itself:
// callsign, team membership, device, and optionally track and battery
// state. Marker is inherited from the containing event's type.
type TAKUserDetail struct {
	UID      string
	Callsign string
	Marker   string
	Group    Team
	Role     string
	Phone    string
	XMPP     string
	Endpoint string
	Battery  string

	HasTrack bool
	Course   float64
	Speed    float64

	Device *TAKDevice

	elm *etree.Element
}

// Element returns the original <detail> element.
func (d *TAKUserDetail) Element() *etree.Element { return d.elm }

func (d *TAKUserDetail) isDetail() {}

// takUserDetailFromElement parses a TAKUser detail. The caller has
// already verified the {takv, contact, __group} tag set.
func takUserDetailFromElement(elm *etree.Element, evt *Event) (*TAKUserDetail, error) {
	det := &TAKUserDetail{
		UID:    evt.UID,
		Marker: evt.Type,
		Group:  TeamUnknown,
		elm:    elm,
	}

	for _, child := range elm.ChildElements() {
		switch child.Tag {
		case "takv":
			det.Device = takDeviceFromElement(child)
		case "contact":
			det.Callsign = child.SelectAttrValue("callsign", "")
			det.Phone = child.SelectAttrValue("phone", "")
			det.XMPP = child.SelectAttrValue("xmppUsername", "")
			det.Endpoint = child.SelectAttrValue("endpoint", "")
		case "__group":
			det.Group = TeamFromName(child.SelectAttrValue("name", ""))
			det.Role = child.SelectAttrValue("role", "")
		case "status":
			det.Battery = child.SelectAttrValue("battery", "")
		case "track":
			course, err := strconv.ParseFloat(child.SelectAttrValue("course", ""), 64)
			if err != nil {
				return nil, &UnmarshalError{Reason: "bad course", Child: "track", Err: err}
			}
			speed, err := strconv.ParseFloat(child.SelectAttrValue("speed", ""), 64)
			if err != nil {
				return nil, &UnmarshalError{Reason: "bad speed", Child: "track", Err: err}
			}
			det.Course, det.Speed = course, speed
			det.HasTrack = true
		}
	}

	return det, nil
}

// TAKUser is the identified user attached to a live session. It is
// distinct from TAKUserDetail: the detail is one parsed message, the user
// is the accumulated identity, updated in place as self-descriptions
// arrive.
type TAKUser struct {
	UID      string
	Callsign string
	Marker   string
	Group    Team
	Role     string
	Phone    string
	Battery  string

	Point  Point
	Course float64
	Speed  float64

	Device *TAKDevice

	LastSeen time.Time
	Stale    time.Time
}

// NewTAKUser returns an empty, unidentified user.
func NewTAKUser() *TAKUser {
	return &TAKUser{Group: TeamUnknown, Point: NewPoint()}
}

// UpdateFromEvent folds a TAKUser self-description into the user. The
// first successful update installs the identity; later events with the
// same UID update in place. ok is false when the event is not a TAKUser
// self-description or carries a different UID, in which case nothing
// changes; first is true only for the installing update.
func (u *TAKUser) UpdateFromEvent(evt *Event) (first, ok bool) {
	det, detOK := evt.Detail.(*TAKUserDetail)
	if !detOK {
		return false, false
	}

	if u.UID == "" {
		u.UID = evt.UID
		first = true
	} else if u.UID != evt.UID {
		return false, false
	}

	u.Marker = evt.Type
	u.Point = evt.Point
	u.LastSeen = evt.Start
	u.Stale = evt.Stale

	u.Callsign = det.Callsign
	u.Phone = det.Phone
	u.Group = det.Group
	u.Role = det.Role
	if det.Battery != "" {
		u.Battery = det.Battery
	}
	if det.HasTrack {
		u.Course = det.Course
		u.Speed = det.Speed
	}
	if det.Device != nil {
		u.Device = det.Device
	}

	return first, true
}

// AsEvent marshals the user back into a self-description event. Device,
// callsign, group, role, and the stcp endpoint are required; optional
// state falls back to the values an ATAK client would assume.
func (u *TAKUser) AsEvent() (*Event, error) {
	switch {
	case u.Device == nil:
		return nil, errors.New("TAKUser marshal requires a device")
	case u.Callsign == "":
		return nil, errors.New("TAKUser marshal requires a callsign")
	case !u.Group.Valid() || u.Group == "":
		return nil, errors.New("TAKUser marshal requires a group")
	case u.Role == "":
		return nil, errors.New("TAKUser marshal requires a role")
	}

	now := u.LastSeen
	stale := u.Stale
	if now.IsZero() {
		now = time.Now().UTC()
		stale = now.Add(20 * time.Second)
	}

	marker := u.Marker
	if marker == "" {
		marker = "a-f"
	}

	evt := &Event{
		Version: "2.0",
		UID:     u.UID,
		Type:    marker,
		How:     "m-g",
		Time:    now,
		Start:   now,
		Stale:   stale,
		Point:   u.Point,
	}

	detail := etree.NewElement("detail")
	takv := detail.CreateElement("takv")
	takv.CreateAttr("os", orDefault(u.Device.OS, "30"))
	takv.CreateAttr("version", orDefault(u.Device.Version, "unknown"))
	takv.CreateAttr("device", orDefault(u.Device.Device, "unknown"))
	takv.CreateAttr("platform", orDefault(u.Device.Platform, "unknown"))

	status := detail.CreateElement("status")
	status.CreateAttr("battery", orDefault(u.Battery, "100"))

	uid := detail.CreateElement("uid")
	uid.CreateAttr("Droid", u.Callsign)

	contact := detail.CreateElement("contact")
	contact.CreateAttr("callsign", u.Callsign)
	contact.CreateAttr("endpoint", "*:-1:stcp")
	if u.Phone != "" {
		contact.CreateAttr("phone", u.Phone)
	}

	group := detail.CreateElement("__group")
	group.CreateAttr("role", u.Role)
	group.CreateAttr("name", u.Group.String())

	track := detail.CreateElement("track")
	track.CreateAttr("course", strconv.FormatFloat(u.Course, 'f', 1, 64))
	track.CreateAttr("speed", strconv.FormatFloat(u.Speed, 'f', 1, 64))

	precis := detail.CreateElement("precisionlocation")
	precis.CreateAttr("altsrc", "GPS")
	precis.CreateAttr("geopointsrc", "GPS")

	evt.Detail = &GenericDetail{elm: detail}
	return evt, nil
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
