package cot

import "github.com/beevik/etree"

// Detail is the variant-typed payload of an Event: exactly one of
// TAKUserDetail, GeoChat, or GenericDetail. The variant is chosen by the
// set of child tags under <detail>; route on the concrete type.
type Detail interface {
	// Element returns the original <detail> element, so that forwarded
	// events round-trip byte-for-byte regardless of which fields were
	// recognized.
	Element() *etree.Element

	isDetail()
}

// GenericDetail is any detail payload the server does not model. The
// subtree is preserved verbatim.
type GenericDetail struct {
	elm *etree.Element
}

// Element returns the original <detail> element.
func (d *GenericDetail) Element() *etree.Element { return d.elm }

func (d *GenericDetail) isDetail() {}

// MartiDest is one destination of a <marti> routing hint.
type MartiDest struct {
	UID      string
	Callsign string
}

// MartiDests extracts the destinations of the detail's <marti> child, if
// any. A nil or empty result means the event has no usable marti hint and
// falls back to broadcast.
func MartiDests(d Detail) []MartiDest {
	if d == nil {
		return nil
	}
	marti := d.Element().SelectElement("marti")
	if marti == nil {
		return nil
	}

	var dests []MartiDest
	for _, dest := range marti.SelectElements("dest") {
		dests = append(dests, MartiDest{
			UID:      dest.SelectAttrValue("uid", ""),
			Callsign: dest.SelectAttrValue("callsign", ""),
		})
	}
	return dests
}

// detailFromElement discriminates the detail variant by the tag set of
// the element's children: TAKUser requires {takv, contact, __group},
// GeoChat requires {__chat, remarks, link}, everything else is generic.
func detailFromElement(elm *etree.Element, evt *Event) (Detail, error) {
	tags := make(map[string]bool)
	for _, child := range elm.ChildElements() {
		tags[child.Tag] = true
	}

	switch {
	case tags["takv"] && tags["contact"] && tags["__group"]:
		return takUserDetailFromElement(elm, evt)
	case tags["__chat"] && tags["remarks"] && tags["link"]:
		return geoChatFromElement(elm, evt)
	default:
		return &GenericDetail{elm: elm}, nil
	}
}
