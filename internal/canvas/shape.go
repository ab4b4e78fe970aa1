package canvas

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Rendering defaults applied when a remote document omits optional fields.
const (
	DefaultRectFill   = "#D9D9D9"
	DefaultTextFill   = "#111111"
	DefaultOpacity    = 1.0
	DefaultFontSize   = 16.0
	DefaultFontFamily = "Inter"
	DefaultFontWeight = "normal"
	DefaultTextAlign  = "left"
	DefaultLineHeight = 1.2
	DefaultLockTTL    = 5 * time.Second
)

// LockedBy is the advisory lease attached to a shape document.
type LockedBy struct {
	UserID string
	At     time.Time
}

// Fresh reports whether the lease is younger than ttl at now.
func (l LockedBy) Fresh(now time.Time, ttl time.Duration) bool {
	if l.UserID == "" || l.At.IsZero() {
		return false
	}
	return now.Sub(l.At) < ttl
}

// Shape is a typed, normalized shape document as stored remotely.
type Shape struct {
	Node      Node
	UpdatedAt time.Time
	LockedBy  *LockedBy
}

// LockedByOther reports whether someone other than viewer holds a fresh lease,
// in which case the shape should be shown as busy.
func (s Shape) LockedByOther(viewer string, now time.Time, ttl time.Duration) bool {
	if s.LockedBy == nil {
		return false
	}
	if s.LockedBy.UserID == viewer {
		return false
	}
	return s.LockedBy.Fresh(now, ttl)
}

// LockDocument is the wire form of LockedBy.
type LockDocument struct {
	UserID string `json:"userId"`
	TS     int64  `json:"ts"`
}

// Document is the loosely-typed wire form of a shape. Optional fields are pointers
// so that Normalize can tell a missing field from a zero value.
type Document struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Width     float64       `json:"width"`
	Height    float64       `json:"height"`
	Rotation  float64       `json:"rotation"`
	ZIndex    int           `json:"zIndex"`
	Fill      *string       `json:"fill,omitempty"`
	Stroke    *string       `json:"stroke,omitempty"`
	Opacity   *float64      `json:"opacity,omitempty"`
	UpdatedAt int64         `json:"updatedAt"`
	LockedBy  *LockDocument `json:"lockedBy,omitempty"`

	Text       *string  `json:"text,omitempty"`
	FontSize   *float64 `json:"fontSize,omitempty"`
	FontFamily *string  `json:"fontFamily,omitempty"`
	FontWeight *string  `json:"fontWeight,omitempty"`
	TextAlign  *string  `json:"textAlign,omitempty"`
	LineHeight *float64 `json:"lineHeight,omitempty"`
}

// Normalize validates a document and fills defaults for every missing optional field.
func Normalize(doc Document) (Shape, error) {
	id, err := NewShapeID(doc.ID)
	if err != nil {
		return Shape{}, err
	}
	kind := KindRect
	if strings.TrimSpace(doc.Type) != "" {
		kind, err = ParseKind(strings.TrimSpace(doc.Type))
		if err != nil {
			return Shape{}, fmt.Errorf("%w: %q", err, doc.Type)
		}
	}

	node := Node{
		ID:       id.String(),
		X:        finiteOr(doc.X, 0),
		Y:        finiteOr(doc.Y, 0),
		Width:    clampSize(doc.Width),
		Height:   clampSize(doc.Height),
		Rotation: finiteOr(doc.Rotation, 0),
		ZIndex:   doc.ZIndex,
		Stroke:   stringOr(doc.Stroke, ""),
		Opacity:  DefaultOpacity,
	}
	if doc.Opacity != nil && *doc.Opacity >= 0 && *doc.Opacity <= 1 {
		node.Opacity = *doc.Opacity
	}

	switch kind {
	case KindText:
		node.Fill = stringOr(doc.Fill, DefaultTextFill)
		node.Variant = TextVariant{
			Text:       stringOr(doc.Text, ""),
			FontSize:   positiveOr(doc.FontSize, DefaultFontSize),
			FontFamily: stringOr(doc.FontFamily, DefaultFontFamily),
			FontWeight: stringOr(doc.FontWeight, DefaultFontWeight),
			TextAlign:  stringOr(doc.TextAlign, DefaultTextAlign),
			LineHeight: positiveOr(doc.LineHeight, DefaultLineHeight),
		}
	default:
		node.Fill = stringOr(doc.Fill, DefaultRectFill)
		node.Variant = RectVariant{}
	}

	shape := Shape{Node: node}
	if doc.UpdatedAt > 0 {
		shape.UpdatedAt = time.UnixMilli(doc.UpdatedAt).UTC()
	}
	if doc.LockedBy != nil && strings.TrimSpace(doc.LockedBy.UserID) != "" {
		shape.LockedBy = &LockedBy{
			UserID: strings.TrimSpace(doc.LockedBy.UserID),
			At:     time.UnixMilli(doc.LockedBy.TS).UTC(),
		}
	}
	return shape, nil
}

// ToDocument renders a shape into its wire form.
func ToDocument(shape Shape) Document {
	node := shape.Node
	doc := Document{
		ID:       node.ID,
		Type:     string(node.Kind()),
		X:        node.X,
		Y:        node.Y,
		Width:    node.Width,
		Height:   node.Height,
		Rotation: node.Rotation,
		ZIndex:   node.ZIndex,
		Fill:     String(node.Fill),
		Stroke:   String(node.Stroke),
		Opacity:  Float(node.Opacity),
	}
	if !shape.UpdatedAt.IsZero() {
		doc.UpdatedAt = shape.UpdatedAt.UnixMilli()
	}
	if shape.LockedBy != nil {
		doc.LockedBy = &LockDocument{UserID: shape.LockedBy.UserID, TS: shape.LockedBy.At.UnixMilli()}
	}
	switch variant := node.Variant.(type) {
	case TextVariant:
		doc.Text = String(variant.Text)
		doc.FontSize = Float(variant.FontSize)
		doc.FontFamily = String(variant.FontFamily)
		doc.FontWeight = String(variant.FontWeight)
		doc.TextAlign = String(variant.TextAlign)
		doc.LineHeight = Float(variant.LineHeight)
	case RectVariant, nil:
	}
	return doc
}

// Nodes extracts the scene nodes from a list of shapes, preserving order.
func Nodes(shapes []Shape) []Node {
	nodes := make([]Node, 0, len(shapes))
	for _, shape := range shapes {
		nodes = append(nodes, shape.Node)
	}
	return nodes
}

func stringOr(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return *value
}

func positiveOr(value *float64, fallback float64) float64 {
	if value == nil || !(*value > 0) || math.IsInf(*value, 0) {
		return fallback
	}
	return *value
}

func finiteOr(value float64, fallback float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fallback
	}
	return value
}
