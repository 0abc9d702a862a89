// Package capture abstracts reading back desktop pixels. The sampler
// only ever asks for small patches around the pointer, so a Grabber
// implementation is free to be slow per call as long as it is correct.
//
// Real session backends (ScreenCaptureKit, PipeWire portals, XShm) plug
// in behind the Grabber interface. This tree ships a static in-memory
// grabber and a file-backed grabber, which keep the full pipeline
// exercisable in tests and headless runs.
package capture

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"

	_ "image/jpeg" // registered for FileGrabber decoding
	"image/png"
)

// Sentinel errors for capture backends.
var (
	// ErrPermissionDenied means the session denied screen recording.
	// The engine degrades to contrast-free rendering when it sees this.
	ErrPermissionDenied = errors.New("capture: screen recording permission denied")

	// ErrNotSupported means no capture backend exists for this session.
	ErrNotSupported = errors.New("capture: not supported on this session backend")

	// ErrDisplayNotFound means the requested rect is on no known display.
	ErrDisplayNotFound = errors.New("capture: display not found")
)

// Grabber reads back a rectangle of desktop pixels.
type Grabber interface {
	// Grab returns the pixels inside rect in virtual desktop
	// coordinates. When belowPointer is true the cursor layer is
	// excluded from the readback so the daemon never samples its own
	// glyph.
	Grab(rect image.Rectangle, belowPointer bool) (*image.RGBA, error)
}

// StaticGrabber serves patches from a fixed in-memory backdrop.
type StaticGrabber struct {
	backdrop *image.RGBA
}

// NewStaticGrabber creates a grabber over the given backdrop. The
// backdrop's bounds define the virtual desktop area it can serve.
func NewStaticGrabber(backdrop *image.RGBA) *StaticGrabber {
	return &StaticGrabber{backdrop: backdrop}
}

// Grab implements Grabber. The cursor layer does not exist in a static
// backdrop, so belowPointer is a no-op.
func (s *StaticGrabber) Grab(rect image.Rectangle, _ bool) (*image.RGBA, error) {
	visible := rect.Intersect(s.backdrop.Bounds())
	if visible.Empty() {
		return nil, fmt.Errorf("%w: rect %v outside backdrop %v", ErrDisplayNotFound, rect, s.backdrop.Bounds())
	}

	out := image.NewRGBA(image.Rect(0, 0, visible.Dx(), visible.Dy()))
	draw.Draw(out, out.Bounds(), s.backdrop, visible.Min, draw.Src)
	return out, nil
}

// FileGrabber serves patches from an image file, reloading lazily on
// first use. It exists for demo and soak runs without a compositor.
type FileGrabber struct {
	path  string
	inner *StaticGrabber
}

// NewFileGrabber creates a grabber that decodes the PNG or JPEG at path.
func NewFileGrabber(path string) *FileGrabber {
	return &FileGrabber{path: path}
}

// Grab implements Grabber.
func (f *FileGrabber) Grab(rect image.Rectangle, belowPointer bool) (*image.RGBA, error) {
	if f.inner == nil {
		backdrop, err := loadBackdrop(f.path)
		if err != nil {
			return nil, err
		}
		f.inner = NewStaticGrabber(backdrop)
	}
	return f.inner.Grab(rect, belowPointer)
}

func loadBackdrop(path string) (*image.RGBA, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backdrop: %w", err)
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode backdrop %s: %w", path, err)
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	return rgba, nil
}

// Uniform builds a solid-color backdrop, handy for tests.
func Uniform(w, h int, r, g, b, a uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i+0] = r
			img.Pix[i+1] = g
			img.Pix[i+2] = b
			img.Pix[i+3] = a
		}
	}
	return img
}

// WritePNG encodes img to path, for building FileGrabber fixtures.
func WritePNG(path string, img image.Image) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer fh.Close()

	if err := png.Encode(fh, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}
