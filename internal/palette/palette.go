// Package palette assigns marker colors to participants from a fixed set.
package palette

import (
	"math/rand"
	"regexp"
)

// Colors is the fixed marker palette. Picks are pseudo-random and collisions
// between participants are permitted.
var Colors = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#42d4f4", // cyan
	"#f032e6", // magenta
	"#bfef45", // lime
	"#fabed4", // pink
	"#9a6324", // brown
}

// hexColorPattern matches #RRGGBB (case insensitive).
var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Pick returns a pseudo-random palette color.
func Pick() string {
	return Colors[rand.Intn(len(Colors))]
}

// IsValid reports whether color is a well-formed #RRGGBB value. Incoming
// participant records are not trusted to carry palette members, only a
// parseable color.
func IsValid(color string) bool {
	return hexColorPattern.MatchString(color)
}
