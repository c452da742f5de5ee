// Package geo provides the geohash arithmetic and the privacy transform that
// coarsens a location observation to a participant's chosen disclosure level.
package geo

import "strings"

// base32 is the geohash base32 alphabet (no 'a', 'i', 'l', 'o').
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

var base32Index = func() map[byte]uint {
	m := make(map[byte]uint, len(base32))
	for i := 0; i < len(base32); i++ {
		m[base32[i]] = uint(i)
	}
	return m
}()

// Encode encodes latitude and longitude into a geohash of the given length
// using the standard interleaved base32 algorithm.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = 1
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var hash strings.Builder
	hash.Grow(precision)

	bits := 0
	var ch uint

	even := true
	for hash.Len() < precision {
		if even {
			mid := (lngRange[0] + lngRange[1]) / 2
			if lng > mid {
				ch |= 1 << (4 - bits)
				lngRange[0] = mid
			} else {
				lngRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat > mid {
				ch |= 1 << (4 - bits)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		even = !even
		bits++

		if bits == 5 {
			hash.WriteByte(base32[ch])
			bits = 0
			ch = 0
		}
	}

	return hash.String()
}

// Decode returns the center point of the cell named by the geohash, together
// with the half-width of the cell in degrees of latitude and longitude.
// Invalid characters yield ok == false.
func Decode(hash string) (lat, lng, latErr, lngErr float64, ok bool) {
	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	even := true
	for i := 0; i < len(hash); i++ {
		ch, valid := base32Index[hash[i]]
		if !valid {
			return 0, 0, 0, 0, false
		}
		for bit := 4; bit >= 0; bit-- {
			set := ch&(1<<uint(bit)) != 0
			if even {
				mid := (lngRange[0] + lngRange[1]) / 2
				if set {
					lngRange[0] = mid
				} else {
					lngRange[1] = mid
				}
			} else {
				mid := (latRange[0] + latRange[1]) / 2
				if set {
					latRange[0] = mid
				} else {
					latRange[1] = mid
				}
			}
			even = !even
		}
	}

	lat = (latRange[0] + latRange[1]) / 2
	lng = (lngRange[0] + lngRange[1]) / 2
	latErr = (latRange[1] - latRange[0]) / 2
	lngErr = (lngRange[1] - lngRange[0]) / 2
	return lat, lng, latErr, lngErr, true
}
