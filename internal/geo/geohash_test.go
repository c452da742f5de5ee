package geo

import (
	"math"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name      string
		lat, lng  float64
		precision int
		want      string
	}{
		{
			name:      "jutland reference point",
			lat:       57.64911,
			lng:       10.40744,
			precision: 11,
			want:      "u4pruydqqvj",
		},
		{
			name:      "hamburg congress center",
			lat:       53.5631,
			lng:       9.9649,
			precision: 8,
			want:      "u1x0dyb5",
		},
		{
			name:      "origin",
			lat:       0,
			lng:       0,
			precision: 6,
			want:      "7zzzzz",
		},
		{
			name:      "truncated to area precision",
			lat:       57.64911,
			lng:       10.40744,
			precision: 6,
			want:      "u4pruy",
		},
		{
			name:      "minimum precision clamps to one",
			lat:       57.64911,
			lng:       10.40744,
			precision: 0,
			want:      "u",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.lat, tt.lng, tt.precision); got != tt.want {
				t.Errorf("Encode(%v, %v, %d) = %q, want %q", tt.lat, tt.lng, tt.precision, got, tt.want)
			}
		})
	}
}

func TestDecodeCenterContainsOriginal(t *testing.T) {
	points := []struct {
		name     string
		lat, lng float64
	}{
		{"northern hemisphere", 57.64911, 10.40744},
		{"southern hemisphere", -33.8688, 151.2093},
		{"western hemisphere", 40.7128, -74.0060},
		{"near the poles", 89.9, 0.1},
	}

	for _, pt := range points {
		t.Run(pt.name, func(t *testing.T) {
			for _, precision := range []int{4, 6, 8} {
				hash := Encode(pt.lat, pt.lng, precision)
				lat, lng, latErr, lngErr, ok := Decode(hash)
				if !ok {
					t.Fatalf("Decode(%q) failed", hash)
				}
				if math.Abs(lat-pt.lat) > latErr {
					t.Errorf("precision %d: cell center lat %v misses %v by more than %v", precision, lat, pt.lat, latErr)
				}
				if math.Abs(lng-pt.lng) > lngErr {
					t.Errorf("precision %d: cell center lng %v misses %v by more than %v", precision, lng, pt.lng, lngErr)
				}
			}
		})
	}
}

func TestDecodeRejectsInvalidCharacters(t *testing.T) {
	for _, hash := range []string{"u4pa", "u4pi", "u4pl", "u4po", "U4PR"} {
		if _, _, _, _, ok := Decode(hash); ok {
			t.Errorf("Decode(%q) accepted an invalid character", hash)
		}
	}
}

func TestDecodeIsIdempotentOnCellCenters(t *testing.T) {
	// Re-encoding a cell's center at the same precision gives the same cell.
	hash := Encode(53.5631, 9.9649, 6)
	lat, lng, _, _, ok := Decode(hash)
	if !ok {
		t.Fatalf("Decode(%q) failed", hash)
	}
	if got := Encode(lat, lng, 6); got != hash {
		t.Errorf("re-encoded center %q, want %q", got, hash)
	}
}
