package canvas

// Patch is a partial node update. Nil fields are left untouched.
// Text fields only apply to text nodes.
type Patch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	ZIndex   *int     `json:"zIndex,omitempty"`
	Fill     *string  `json:"fill,omitempty"`
	Stroke   *string  `json:"stroke,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`

	Text       *string  `json:"text,omitempty"`
	FontSize   *float64 `json:"fontSize,omitempty"`
	FontFamily *string  `json:"fontFamily,omitempty"`
	FontWeight *string  `json:"fontWeight,omitempty"`
	TextAlign  *string  `json:"textAlign,omitempty"`
	LineHeight *float64 `json:"lineHeight,omitempty"`
}

// Float returns a pointer to value for building patches.
func Float(value float64) *float64 {
	return &value
}

// Int returns a pointer to value for building patches.
func Int(value int) *int {
	return &value
}

// String returns a pointer to value for building patches.
func String(value string) *string {
	return &value
}

// PositionPatch builds a patch moving a node to x, y.
func PositionPatch(x, y float64) Patch {
	return Patch{X: Float(x), Y: Float(y)}
}

// GeometryPatch builds a patch carrying a node's full position and size.
func GeometryPatch(node Node) Patch {
	return Patch{
		X:      Float(node.X),
		Y:      Float(node.Y),
		Width:  Float(node.Width),
		Height: Float(node.Height),
	}
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// Merge overlays next onto p; fields set in next win.
func (p Patch) Merge(next Patch) Patch {
	merged := p
	if next.X != nil {
		merged.X = next.X
	}
	if next.Y != nil {
		merged.Y = next.Y
	}
	if next.Width != nil {
		merged.Width = next.Width
	}
	if next.Height != nil {
		merged.Height = next.Height
	}
	if next.Rotation != nil {
		merged.Rotation = next.Rotation
	}
	if next.ZIndex != nil {
		merged.ZIndex = next.ZIndex
	}
	if next.Fill != nil {
		merged.Fill = next.Fill
	}
	if next.Stroke != nil {
		merged.Stroke = next.Stroke
	}
	if next.Opacity != nil {
		merged.Opacity = next.Opacity
	}
	if next.Text != nil {
		merged.Text = next.Text
	}
	if next.FontSize != nil {
		merged.FontSize = next.FontSize
	}
	if next.FontFamily != nil {
		merged.FontFamily = next.FontFamily
	}
	if next.FontWeight != nil {
		merged.FontWeight = next.FontWeight
	}
	if next.TextAlign != nil {
		merged.TextAlign = next.TextAlign
	}
	if next.LineHeight != nil {
		merged.LineHeight = next.LineHeight
	}
	return merged
}

// Apply returns node with the patch applied. Sizes are floored at MinSize.
func (p Patch) Apply(node Node) Node {
	updated := node
	if p.X != nil {
		updated.X = *p.X
	}
	if p.Y != nil {
		updated.Y = *p.Y
	}
	if p.Width != nil {
		updated.Width = clampSize(*p.Width)
	}
	if p.Height != nil {
		updated.Height = clampSize(*p.Height)
	}
	if p.Rotation != nil {
		updated.Rotation = *p.Rotation
	}
	if p.ZIndex != nil {
		updated.ZIndex = *p.ZIndex
	}
	if p.Fill != nil {
		updated.Fill = *p.Fill
	}
	if p.Stroke != nil {
		updated.Stroke = *p.Stroke
	}
	if p.Opacity != nil {
		updated.Opacity = *p.Opacity
	}

	text, ok := updated.Variant.(TextVariant)
	if !ok {
		return updated
	}
	if p.Text != nil {
		text.Text = *p.Text
	}
	if p.FontSize != nil && *p.FontSize > 0 {
		text.FontSize = *p.FontSize
	}
	if p.FontFamily != nil {
		text.FontFamily = *p.FontFamily
	}
	if p.FontWeight != nil {
		text.FontWeight = *p.FontWeight
	}
	if p.TextAlign != nil {
		text.TextAlign = *p.TextAlign
	}
	if p.LineHeight != nil && *p.LineHeight > 0 {
		text.LineHeight = *p.LineHeight
	}
	updated.Variant = text
	return updated
}
