package core

import "errors"

var (
	// ErrCameraUnavailable means the device could not be opened or read.
	// It blocks new sessions but never stops the process.
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrEncoderInit       = errors.New("encoder init failed")
	ErrEncode            = errors.New("encode failed")
	// ErrFrameSkipped is returned by an overloaded encoder; nothing is written.
	ErrFrameSkipped = errors.New("frame skipped")
	ErrSinkWrite    = errors.New("sink write failed")
)
