package canvas

// MinSize is the smallest width or height a node may be resized to.
const MinSize = 10.0

// Kind enumerates the node variants stored on a canvas.
type Kind string

const (
	// KindRect identifies rectangle nodes.
	KindRect Kind = "rect"
	// KindText identifies text nodes.
	KindText Kind = "text"
)

// ParseKind validates a raw type discriminator.
func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case KindRect:
		return KindRect, nil
	case KindText:
		return KindText, nil
	default:
		return "", ErrInvalidKind
	}
}

// Variant carries the payload specific to one node kind.
// Implementations are RectVariant and TextVariant.
type Variant interface {
	Kind() Kind
}

// RectVariant has no payload beyond the shared node fields.
type RectVariant struct{}

// Kind reports KindRect.
func (RectVariant) Kind() Kind {
	return KindRect
}

// TextVariant holds typography for text nodes.
type TextVariant struct {
	Text       string
	FontSize   float64
	FontFamily string
	FontWeight string
	TextAlign  string
	LineHeight float64
}

// Kind reports KindText.
func (TextVariant) Kind() Kind {
	return KindText
}

// Node is one shape or text element in the scene graph. Nodes are plain values:
// two nodes compare equal with == when every field matches.
type Node struct {
	ID       string
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Rotation float64
	ZIndex   int
	Fill     string
	Stroke   string
	Opacity  float64
	Variant  Variant
}

// Kind reports the node's variant kind, defaulting to KindRect.
func (n Node) Kind() Kind {
	if n.Variant == nil {
		return KindRect
	}
	return n.Variant.Kind()
}

// Text returns the text payload and whether the node is a text node.
func (n Node) Text() (TextVariant, bool) {
	text, ok := n.Variant.(TextVariant)
	return text, ok
}

// Center returns the node's geometric center.
func (n Node) Center() (float64, float64) {
	return n.X + n.Width/2, n.Y + n.Height/2
}

// NewRect builds a rectangle node with rendering defaults.
func NewRect(id string, x, y, width, height float64) Node {
	return Node{
		ID:      id,
		X:       x,
		Y:       y,
		Width:   clampSize(width),
		Height:  clampSize(height),
		Fill:    DefaultRectFill,
		Opacity: DefaultOpacity,
		Variant: RectVariant{},
	}
}

// NewText builds a text node with typography defaults.
func NewText(id string, x, y, width, height float64, text string) Node {
	return Node{
		ID:      id,
		X:       x,
		Y:       y,
		Width:   clampSize(width),
		Height:  clampSize(height),
		Fill:    DefaultTextFill,
		Opacity: DefaultOpacity,
		Variant: TextVariant{
			Text:       text,
			FontSize:   DefaultFontSize,
			FontFamily: DefaultFontFamily,
			FontWeight: DefaultFontWeight,
			TextAlign:  DefaultTextAlign,
			LineHeight: DefaultLineHeight,
		},
	}
}

func clampSize(value float64) float64 {
	if !(value >= MinSize) {
		return MinSize
	}
	return value
}
