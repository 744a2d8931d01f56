package models

import (
	"image/color"
	"testing"
)

func TestParseTileKey(t *testing.T) {
	for _, k := range []TileKey{{0, 0}, {2, 0}, {-3, 7}, {-1, -1}} {
		got, err := ParseTileKey(k.String())
		if err != nil {
			t.Fatalf("%v: %v", k, err)
		}
		if got != k {
			t.Errorf("ParseTileKey(%q) = %v", k.String(), got)
		}
	}
	for _, bad := range []string{"", "3", "a_1", "1_b", "1-2"} {
		if _, err := ParseTileKey(bad); err == nil {
			t.Errorf("ParseTileKey(%q) accepted", bad)
		}
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"page:0", PageRef(0)},
		{"page:12", PageRef(12)},
		{"tile:-2_5", TileRef(TileKey{X: -2, Y: 5})},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseRef(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
	for _, bad := range []string{"page", "page:x", "tile:1", "layer:1"} {
		if _, err := ParseRef(bad); err == nil {
			t.Errorf("ParseRef(%q) accepted", bad)
		}
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.NRGBA
	}{
		{"#ff0000", color.NRGBA{R: 0xff, A: 0xff}},
		{"#0f0", color.NRGBA{G: 0xff, A: 0xff}},
		{"#11223380", color.NRGBA{R: 0x11, G: 0x22, B: 0x33, A: 0x80}},
		{"0000ff", color.NRGBA{B: 0xff, A: 0xff}},
		{"red", color.NRGBA{A: 0xff}},
		{"#zzzzzz", color.NRGBA{A: 0xff}},
	}
	for _, tt := range tests {
		if got := ParseColor(tt.in); got != tt.want {
			t.Errorf("ParseColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRectOps(t *testing.T) {
	a := Rect{X: 0, Y: 0, W: 10, H: 10}
	b := Rect{X: 10, Y: 0, W: 5, H: 5}
	if a.Intersects(b) {
		t.Error("touching rects intersect")
	}
	if !a.Contains(Vec{10, 10}) {
		t.Error("edge not contained")
	}
	if u := (Rect{}).Union(b); u != b {
		t.Errorf("empty union = %v", u)
	}
	if u := a.Union(b); u != (Rect{W: 15, H: 10}) {
		t.Errorf("union = %v", u)
	}
	if got := DistToSegment(Vec{5, 5}, Vec{0, 0}, Vec{10, 0}); got != 5 {
		t.Errorf("dist = %v", got)
	}
}
