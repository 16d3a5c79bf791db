package domain

import "time"

// RawImage is what a camera device hands out: packed RGB24, row-major.
type RawImage struct {
	Width  int
	Height int
	Pix    []byte
}

// Frame is a captured image. It is immutable once published and shared by
// pointer among every session reading it.
type Frame struct {
	Width      int
	Height     int
	Pix        []byte
	Seq        uint64
	CapturedAt time.Time
}

// Sample is one compressed unit produced by a session's encoder.
type Sample struct {
	Data     []byte
	Keyframe bool
	// Index counts samples emitted by one encoder, starting at zero.
	Index uint32
	// Seq is the Frame.Seq the sample was encoded from.
	Seq uint64
}
