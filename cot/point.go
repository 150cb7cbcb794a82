package cot

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// UnknownError is the circular / linear error value that means "no
// estimate available". TAK clients expect it spelled out rather than
// omitted.
const UnknownError = 9999999.0

// Point is the CoT <point> element: a WGS84 coordinate with height above
// ellipsoid and error estimates, all in meters.
type Point struct {
	Lat float64
	Lon float64
	HAE float64
	CE  float64
	LE  float64
}

// NewPoint returns a Point at the origin with unknown error estimates.
func NewPoint() Point {
	return Point{CE: UnknownError, LE: UnknownError}
}

// PointFromElement parses a <point> element.
func PointFromElement(elm *etree.Element) (Point, error) {
	if elm.Tag != "point" {
		return Point{}, &UnmarshalError{Reason: fmt.Sprintf("cannot create Point from <%s>", elm.Tag), Child: elm.Tag}
	}

	pt := NewPoint()
	for _, attr := range []struct {
		name     string
		dst      *float64
		required bool
	}{
		{"lat", &pt.Lat, true},
		{"lon", &pt.Lon, true},
		{"hae", &pt.HAE, false},
		{"ce", &pt.CE, false},
		{"le", &pt.LE, false},
	} {
		raw := elm.SelectAttrValue(attr.name, "")
		if raw == "" {
			if attr.required {
				return Point{}, &UnmarshalError{Reason: "missing " + attr.name, Child: "point"}
			}
			continue
		}
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Point{}, &UnmarshalError{Reason: "bad " + attr.name, Child: "point", Err: err}
		}
		*attr.dst = val
	}

	return pt, nil
}

// Element builds the <point> element.
func (p Point) Element() *etree.Element {
	elm := etree.NewElement("point")
	elm.CreateAttr("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
	elm.CreateAttr("lon", strconv.FormatFloat(p.Lon, 'f', 6, 64))
	elm.CreateAttr("hae", strconv.FormatFloat(p.HAE, 'f', 1, 64))
	elm.CreateAttr("ce", strconv.FormatFloat(p.CE, 'f', 1, 64))
	elm.CreateAttr("le", strconv.FormatFloat(p.LE, 'f', 1, 64))
	return elm
}
