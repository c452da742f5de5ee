package geo

import (
	"math"

	"github.com/onnwee/meetpoint/internal/room"
)

// Geohash lengths per disclosure level. Cell half-widths at the equator:
// 8 chars ~ 19 m, 6 chars ~ 0.61 km, 4 chars ~ 20 km.
const (
	buildingChars    = 8
	areaChars        = 6
	approximateChars = 4
)

// metersPerDegree approximates one degree of latitude.
const metersPerDegree = 111320.0

// Obfuscate applies a participant's privacy settings to an exact location
// observation and returns the record that may be reported to others. It is a
// pure function: the input is never modified.
//
// Ghost mode and disabled sharing withhold the location entirely (nil).
// Coarser levels snap the point to the center of a geohash cell and widen
// the reported accuracy to cover the cell, so the exact observation cannot
// be recovered. Altitude, heading, and speed are dropped on any coarsened
// report, and the indoor sub-position survives only at building precision or
// better with floor visibility enabled.
func Obfuscate(loc *room.Location, priv room.Privacy) *room.Location {
	if loc == nil || !priv.Sharing || priv.Ghost {
		return nil
	}

	level := priv.Precision
	if !room.ValidPrecision(level) {
		level = room.PrecisionExact
	}

	out := *loc
	if level == room.PrecisionExact {
		if !priv.ShowFloor {
			out.Indoor = nil
		}
		return &out
	}

	chars := areaChars
	switch level {
	case room.PrecisionBuilding:
		chars = buildingChars
	case room.PrecisionApproximate:
		chars = approximateChars
	}

	lat, lng, latErr, lngErr, ok := Decode(Encode(loc.Lat, loc.Lng, chars))
	if !ok {
		return nil
	}

	out.Lat = lat
	out.Lng = lng
	out.Accuracy = math.Max(loc.Accuracy, cellRadiusMeters(lat, latErr, lngErr))
	out.Altitude = nil
	out.Heading = nil
	out.Speed = nil
	out.Indoor = nil
	if level == room.PrecisionBuilding && priv.ShowFloor {
		out.Indoor = loc.Indoor
	}
	return &out
}

// cellRadiusMeters converts a cell's half-widths in degrees into a radius in
// meters at the given latitude.
func cellRadiusMeters(lat, latErr, lngErr float64) float64 {
	latMeters := latErr * metersPerDegree
	lngMeters := lngErr * metersPerDegree * math.Cos(lat*math.Pi/180)
	return math.Hypot(latMeters, lngMeters)
}
