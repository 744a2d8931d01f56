package models

import (
	"image/color"
	"strconv"
	"strings"
)

// ParseColor reads "#rgb", "#rrggbb" or "#rrggbbaa". Anything else is
// opaque black.
func ParseColor(s string) color.NRGBA {
	black := color.NRGBA{A: 0xff}
	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return black
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return black
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
}
