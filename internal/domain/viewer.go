// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxViewerIDLen = 36

var (
	ErrViewerIDEmpty   = errors.New("viewer id empty")
	ErrViewerIDTooLong = errors.New("viewer id too long")
)

// ViewerID identifies one remote viewer and its streaming session.
type ViewerID string

// NewViewerID is a tiny helper to avoid ad-hoc uuid calls in adapters.
func NewViewerID() ViewerID {
	return ViewerID(uuid.NewString())
}

// ParseViewerID validates an id received from the outside (cookies, URLs).
func ParseViewerID(s string) (ViewerID, error) {
	if len(s) == 0 {
		return "", ErrViewerIDEmpty
	}
	if len(s) > MaxViewerIDLen {
		return "", ErrViewerIDTooLong
	}
	return ViewerID(s), nil
}
