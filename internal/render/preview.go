package render

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	svg "github.com/ajstarks/svgo"
)

// WritePreview exports the glyph for p to path. Format follows the
// extension: .svg gets a vector export, everything else the encoded
// PNG.
func (r *Renderer) WritePreview(path string, p Params) error {
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		return writeSVG(path, p.normalized())
	}

	out := r.Render(p)
	if len(out.PNG) == 0 {
		return fmt.Errorf("preview %s: glyph has no encoded form", path)
	}
	if err := os.WriteFile(path, out.PNG, 0644); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	return nil
}

func writeSVG(path string, p Params) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create preview: %w", err)
	}
	defer f.Close()
	return writeSVGTo(f, p)
}

func writeSVGTo(w io.Writer, p Params) error {
	pad := basePad + p.OutlineWidth
	extra := 0.0
	if p.Shadow {
		extra = shadowOffset
	}
	side := int(math.Ceil((glyphBase + 2*pad + extra) * p.Scale))

	xs := make([]int, len(glyphOutline))
	ys := make([]int, len(glyphOutline))
	for i, pt := range glyphOutline {
		xs[i] = int(math.Round((pt[0] + pad) * p.Scale))
		ys[i] = int(math.Round((pt[1] + pad) * p.Scale))
	}

	canvas := svg.New(w)
	canvas.Start(side, side)

	if p.Shadow {
		sxs := make([]int, len(xs))
		sys := make([]int, len(ys))
		off := int(math.Round(shadowOffset * p.Scale))
		for i := range xs {
			sxs[i] = xs[i] + off
			sys[i] = ys[i] + off
		}
		canvas.Polygon(sxs, sys, fmt.Sprintf("fill:#000000;fill-opacity:%.2f", shadowAlpha))
	}

	if p.Glow {
		canvas.Polygon(xs, ys, fmt.Sprintf("fill:none;stroke:%s;stroke-opacity:%.2f;stroke-width:%.1f",
			p.Color.Hex(), glowAlpha, (2*p.OutlineWidth+2*glowRadius)*p.Scale))
	}

	style := fmt.Sprintf("fill:%s", p.Color.Hex())
	if p.OutlineWidth > 0 {
		style += fmt.Sprintf(";stroke:%s;stroke-width:%.1f", p.OutlineColor.Hex(), 2*p.OutlineWidth*p.Scale)
	}
	canvas.Polygon(xs, ys, style)

	canvas.End()
	return nil
}
