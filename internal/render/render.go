// Package render rasterizes the pointer glyph.
//
// Render is deterministic: the same parameters produce the same bytes,
// modulo a bounded cache keyed by those parameters. A missing cursor
// image is worse than an ugly one, so every failure path ends in a
// minimal fallback glyph rather than a nil image or an error.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"git.sr.ht/~sbinet/gg"
	"golang.org/x/crypto/blake2b"

	"glintd/internal/sampler"
)

const (
	// glyphBase is the nominal glyph box side in unscaled units.
	glyphBase = 20.0

	// MaxOutlineWidth caps the outline at a quarter of the glyph base.
	// Wider strokes self-intersect at the arrow's notch.
	MaxOutlineWidth = glyphBase / 4

	// basePad is canvas padding carried regardless of outline width.
	// It absorbs the glow halo, so the glow never shifts the hot spot.
	basePad = 2.0

	glowRadius   = 2.0
	shadowOffset = 2.0
	shadowAlpha  = 0.35
	glowAlpha    = 0.3

	maxScale = 8.0
)

// glyphOutline is the arrow polygon, tip at the origin.
var glyphOutline = [][2]float64{
	{0, 0},
	{0, 16.5},
	{4.3, 12.8},
	{7.0, 19.0},
	{9.8, 17.8},
	{7.1, 11.9},
	{13.3, 11.9},
}

// Params selects one visual appearance. The normalized form is the
// cache key: two Params that normalize equally render identical
// images.
type Params struct {
	// Color fills the glyph body.
	Color sampler.Sample

	// OutlineColor strokes the glyph edge when OutlineWidth > 0.
	OutlineColor sampler.Sample

	// OutlineWidth in unscaled units; 0 disables the outline.
	OutlineWidth float64

	Glow   bool
	Shadow bool

	// Scale is the effective render scale: user scale multiplied by
	// the display's backing factor.
	Scale float64
}

func (p Params) normalized() Params {
	p.Color = sampler.NewSample(p.Color.R, p.Color.G, p.Color.B, p.Color.A)
	p.OutlineColor = sampler.NewSample(p.OutlineColor.R, p.OutlineColor.G, p.OutlineColor.B, p.OutlineColor.A)
	p.OutlineWidth = clampOutline(p.OutlineWidth)
	if p.Scale <= 0 || math.IsNaN(p.Scale) {
		p.Scale = 1
	}
	if p.Scale > maxScale {
		p.Scale = maxScale
	}
	return p
}

func clampOutline(w float64) float64 {
	if w < 0 || math.IsNaN(w) {
		return 0
	}
	if w > MaxOutlineWidth {
		return MaxOutlineWidth
	}
	return w
}

// Rendered is one finished glyph. Never mutated after creation; cache
// hits hand out the same instance.
type Rendered struct {
	Image   *image.RGBA
	PNG     []byte
	HotSpot image.Point

	// Checksum is the blake2b-256 of the PNG bytes. The privileged
	// helper re-hashes what it receives and rejects a mismatch.
	Checksum [32]byte

	Scale float64
}

func (r *Rendered) size() int {
	n := len(r.PNG)
	if r.Image != nil {
		n += len(r.Image.Pix)
	}
	return n
}

// HotSpot returns the click point offset inside the rendered image at
// scale 1. A pure function of the outline width: the canvas padding is
// basePad plus the clamped width, nothing else moves the tip.
func HotSpot(outlineWidth float64) image.Point {
	return hotSpotPx(outlineWidth, 1)
}

func hotSpotPx(outlineWidth, scale float64) image.Point {
	pad := (basePad + clampOutline(outlineWidth)) * scale
	off := int(math.Round(pad))
	return image.Pt(off, off)
}

// rasterize draws the glyph for already-normalized params.
func rasterize(p Params) (out *Rendered, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rasterize: %v", r)
		}
	}()

	pad := basePad + p.OutlineWidth
	extra := 0.0
	if p.Shadow {
		extra = shadowOffset
	}
	w := int(math.Ceil((glyphBase + 2*pad + extra) * p.Scale))
	h := w
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("rasterize: degenerate canvas %dx%d", w, h)
	}

	dc := gg.NewContext(w, h)
	dc.Scale(p.Scale, p.Scale)
	dc.SetLineJoin(gg.LineJoinRound)

	if p.Shadow {
		tracePath(dc, pad+shadowOffset, pad+shadowOffset)
		dc.SetRGBA(0, 0, 0, shadowAlpha)
		dc.Fill()
	}

	tracePath(dc, pad, pad)

	if p.Glow {
		// A soft halo approximated by a wide translucent stroke. The
		// halo color follows the glyph so it reads as a glow, not a
		// second outline.
		dc.SetRGBA(p.Color.R, p.Color.G, p.Color.B, glowAlpha)
		dc.SetLineWidth(2*p.OutlineWidth + 2*glowRadius)
		dc.StrokePreserve()
	}

	if p.OutlineWidth > 0 {
		// Stroked at double width so half the stroke lands outside the
		// path; the fill below covers the inner half.
		dc.SetRGBA(p.OutlineColor.R, p.OutlineColor.G, p.OutlineColor.B, p.OutlineColor.A)
		dc.SetLineWidth(2 * p.OutlineWidth)
		dc.StrokePreserve()
	}

	dc.SetRGBA(p.Color.R, p.Color.G, p.Color.B, p.Color.A)
	dc.Fill()

	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil, fmt.Errorf("rasterize: unexpected image type %T", dc.Image())
	}

	return finish(img, p)
}

func tracePath(dc *gg.Context, offX, offY float64) {
	dc.MoveTo(glyphOutline[0][0]+offX, glyphOutline[0][1]+offY)
	for _, pt := range glyphOutline[1:] {
		dc.LineTo(pt[0]+offX, pt[1]+offY)
	}
	dc.ClosePath()
}

// fallbackGlyph is the last resort: a filled disc in the requested
// color, drawn without the vector stack so it cannot fail the same
// way.
func fallbackGlyph(p Params) *Rendered {
	d := int(math.Ceil(glyphBase * p.Scale))
	if d < 1 {
		d = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, d, d))

	c := p.Color
	r8 := uint8(math.Round(c.R * c.A * 255))
	g8 := uint8(math.Round(c.G * c.A * 255))
	b8 := uint8(math.Round(c.B * c.A * 255))
	a8 := uint8(math.Round(c.A * 255))

	cx := float64(d-1) / 2
	radius := float64(d) / 2
	for y := 0; y < d; y++ {
		for x := 0; x < d; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cx
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = r8
			img.Pix[i+1] = g8
			img.Pix[i+2] = b8
			img.Pix[i+3] = a8
		}
	}

	out, err := finish(img, p)
	if err != nil {
		// PNG encoding of a well-formed RGBA does not fail; if it
		// somehow does, hand back the raw pixels without the encoding.
		return &Rendered{
			Image:   img,
			HotSpot: hotSpotPx(p.OutlineWidth, p.Scale),
			Scale:   p.Scale,
		}
	}
	return out
}

func finish(img *image.RGBA, p Params) (*Rendered, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode glyph png: %w", err)
	}
	data := buf.Bytes()
	return &Rendered{
		Image:    img,
		PNG:      data,
		HotSpot:  hotSpotPx(p.OutlineWidth, p.Scale),
		Checksum: blake2b.Sum256(data),
		Scale:    p.Scale,
	}, nil
}
