// Package export renders canvases to printable documents.
package export

import (
	"io"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/layout"
)

const (
	pageMargin     = 24.0
	emptyPageWidth = 595.0
	emptyPageHeight = 842.0
)

// PDF draws nodes in zIndex order onto a single page sized to fit them.
// Canvas units map to PDF points.
func PDF(w io.Writer, title string, nodes []canvas.Node) error {
	ordered := layout.SortByZ(nodes)

	size := gofpdf.SizeType{Wd: emptyPageWidth, Ht: emptyPageHeight}
	origin := layout.Box{}
	if bounds, ok := layout.BoundingBox(ordered); ok {
		origin = bounds
		size = gofpdf.SizeType{Wd: bounds.Width + 2*pageMargin, Ht: bounds.Height + 2*pageMargin}
	}
	orientation := "P"
	if size.Wd > size.Ht {
		orientation = "L"
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: orientation,
		UnitStr:        "pt",
		Size:           size,
	})
	pdf.SetTitle(title, true)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)
	pdf.AddPage()

	offsetX := pageMargin - origin.X
	offsetY := pageMargin - origin.Y
	for _, node := range ordered {
		x, y := node.X+offsetX, node.Y+offsetY
		pdf.SetAlpha(clampOpacity(node.Opacity), "Normal")
		if text, ok := node.Text(); ok {
			drawText(pdf, node, text, x, y)
			continue
		}
		drawRect(pdf, node, x, y)
	}
	pdf.SetAlpha(1, "Normal")

	if err := pdf.Output(w); err != nil {
		return err
	}
	return pdf.Error()
}

func drawRect(pdf *gofpdf.Fpdf, node canvas.Node, x, y float64) {
	style := ""
	if r, g, b, ok := parseHexColor(node.Fill); ok {
		pdf.SetFillColor(r, g, b)
		style += "F"
	}
	if r, g, b, ok := parseHexColor(node.Stroke); ok {
		pdf.SetDrawColor(r, g, b)
		pdf.SetLineWidth(1)
		style += "D"
	}
	if style == "" {
		return
	}
	pdf.Rect(x, y, node.Width, node.Height, style)
}

func drawText(pdf *gofpdf.Fpdf, node canvas.Node, text canvas.TextVariant, x, y float64) {
	r, g, b, ok := parseHexColor(node.Fill)
	if !ok {
		r, g, b, _ = parseHexColor(canvas.DefaultTextFill)
	}
	pdf.SetTextColor(r, g, b)
	pdf.SetFont(fontFamily(text.FontFamily), fontStyle(text.FontWeight), text.FontSize)
	pdf.SetXY(x, y)
	pdf.MultiCell(node.Width, text.FontSize*text.LineHeight, text.Text, "", alignment(text.TextAlign), false)
}

// parseHexColor accepts #rgb and #rrggbb.
func parseHexColor(value string) (int, int, int, bool) {
	hex := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return 0, 0, 0, false
	}
	parsed, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return int(parsed >> 16 & 0xff), int(parsed >> 8 & 0xff), int(parsed & 0xff), true
}

func fontFamily(family string) string {
	lower := strings.ToLower(family)
	switch {
	case strings.Contains(lower, "mono"), strings.Contains(lower, "courier"):
		return "Courier"
	case strings.Contains(lower, "serif") && !strings.Contains(lower, "sans"), strings.Contains(lower, "times"):
		return "Times"
	default:
		return "Helvetica"
	}
}

func fontStyle(weight string) string {
	switch strings.ToLower(strings.TrimSpace(weight)) {
	case "bold", "bolder", "600", "700", "800", "900":
		return "B"
	default:
		return ""
	}
}

func alignment(textAlign string) string {
	switch textAlign {
	case "center":
		return "C"
	case "right":
		return "R"
	default:
		return "L"
	}
}

func clampOpacity(value float64) float64 {
	if !(value >= 0) {
		return 1
	}
	if value > 1 {
		return 1
	}
	return value
}
