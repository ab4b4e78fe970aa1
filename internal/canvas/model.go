package canvas

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCanvasID indicates that a canvas identifier is empty or exceeds storage bounds.
	ErrInvalidCanvasID = errors.New("canvas: invalid canvas id")
	// ErrInvalidShapeID indicates that a shape identifier is empty or exceeds storage bounds.
	ErrInvalidShapeID = errors.New("canvas: invalid shape id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("canvas: invalid user id")
	// ErrInvalidKind indicates that a shape document carries an unknown type.
	ErrInvalidKind = errors.New("canvas: invalid shape kind")
)

// CanvasID represents a validated canvas identifier.
type CanvasID string

// NewCanvasID validates raw input and returns a CanvasID.
func NewCanvasID(rawInput string) (CanvasID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidCanvasID)
	if err != nil {
		return "", err
	}
	return CanvasID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CanvasID) String() string {
	return string(id)
}

// ShapeID represents a validated shape identifier.
type ShapeID string

// NewShapeID validates raw input and returns a ShapeID.
func NewShapeID(rawInput string) (ShapeID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidShapeID)
	if err != nil {
		return "", err
	}
	return ShapeID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ShapeID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains a path separator", sentinel)
	}
	return trimmed, nil
}
