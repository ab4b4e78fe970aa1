package shapes

import (
	"time"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// ShapeRecord is the persisted row for one shape document.
type ShapeRecord struct {
	CanvasID        string  `gorm:"column:canvas_id;primaryKey;size:190;not null;index:idx_shapes_canvas_z,priority:1"`
	ShapeID         string  `gorm:"column:shape_id;primaryKey;size:190;not null"`
	Kind            string  `gorm:"column:kind;size:16;not null"`
	X               float64 `gorm:"column:x;not null;default:0"`
	Y               float64 `gorm:"column:y;not null;default:0"`
	Width           float64 `gorm:"column:width;not null"`
	Height          float64 `gorm:"column:height;not null"`
	Rotation        float64 `gorm:"column:rotation;not null;default:0"`
	ZIndex          int     `gorm:"column:z_index;not null;default:0;index:idx_shapes_canvas_z,priority:2"`
	Fill            string  `gorm:"column:fill;size:64;not null;default:''"`
	Stroke          string  `gorm:"column:stroke;size:64;not null;default:''"`
	Opacity         float64 `gorm:"column:opacity;not null"`
	Text            string  `gorm:"column:text;type:text;not null;default:''"`
	FontSize        float64 `gorm:"column:font_size;not null;default:0"`
	FontFamily      string  `gorm:"column:font_family;size:128;not null;default:''"`
	FontWeight      string  `gorm:"column:font_weight;size:32;not null;default:''"`
	TextAlign       string  `gorm:"column:text_align;size:16;not null;default:''"`
	LineHeight      float64 `gorm:"column:line_height;not null;default:0"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null"`
	LockedByUserID  string  `gorm:"column:locked_by_user_id;size:190;not null;default:''"`
	LockedAtMillis  int64   `gorm:"column:locked_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeRecord) TableName() string {
	return "canvas_shapes"
}

// document converts the row into its wire form. Empty optional columns are left
// unset so that normalization fills the rendering defaults.
func (r ShapeRecord) document() canvas.Document {
	doc := canvas.Document{
		ID:        r.ShapeID,
		Type:      r.Kind,
		X:         r.X,
		Y:         r.Y,
		Width:     r.Width,
		Height:    r.Height,
		Rotation:  r.Rotation,
		ZIndex:    r.ZIndex,
		Fill:      optionalString(r.Fill),
		Stroke:    canvas.String(r.Stroke),
		Opacity:   canvas.Float(r.Opacity),
		UpdatedAt: r.UpdatedAtMillis,
	}
	if r.LockedByUserID != "" {
		doc.LockedBy = &canvas.LockDocument{UserID: r.LockedByUserID, TS: r.LockedAtMillis}
	}
	if canvas.Kind(r.Kind) == canvas.KindText {
		doc.Text = canvas.String(r.Text)
		doc.FontSize = optionalFloat(r.FontSize)
		doc.FontFamily = optionalString(r.FontFamily)
		doc.FontWeight = optionalString(r.FontWeight)
		doc.TextAlign = optionalString(r.TextAlign)
		doc.LineHeight = optionalFloat(r.LineHeight)
	}
	return doc
}

func (r ShapeRecord) shape() (canvas.Shape, error) {
	return canvas.Normalize(r.document())
}

// assignNode copies the node's fields onto the row, keeping keys and lock columns.
func (r *ShapeRecord) assignNode(node canvas.Node) {
	r.Kind = string(node.Kind())
	r.X = node.X
	r.Y = node.Y
	r.Width = node.Width
	r.Height = node.Height
	r.Rotation = node.Rotation
	r.ZIndex = node.ZIndex
	r.Fill = node.Fill
	r.Stroke = node.Stroke
	r.Opacity = node.Opacity

	text, ok := node.Text()
	if !ok {
		text = canvas.TextVariant{}
	}
	r.Text = text.Text
	r.FontSize = text.FontSize
	r.FontFamily = text.FontFamily
	r.FontWeight = text.FontWeight
	r.TextAlign = text.TextAlign
	r.LineHeight = text.LineHeight
}

func newRecord(canvasID string, shape canvas.Shape, now time.Time) ShapeRecord {
	record := ShapeRecord{
		CanvasID:        canvasID,
		ShapeID:         shape.Node.ID,
		CreatedAtMillis: now.UnixMilli(),
		UpdatedAtMillis: now.UnixMilli(),
	}
	record.assignNode(shape.Node)
	if shape.LockedBy != nil {
		record.LockedByUserID = shape.LockedBy.UserID
		record.LockedAtMillis = shape.LockedBy.At.UnixMilli()
	}
	return record
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return canvas.String(value)
}

func optionalFloat(value float64) *float64 {
	if value <= 0 {
		return nil
	}
	return canvas.Float(value)
}
