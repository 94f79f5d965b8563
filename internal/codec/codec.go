// Package codec decodes, resizes and re-encodes user images.
//
// Pixel work is delegated to github.com/disintegration/imaging. Decoders for
// JPEG, PNG and GIF come from the standard library; BMP, TIFF and WEBP are
// registered from golang.org/x/image. WEBP has no encoder, so WEBP input is
// returned as PNG.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/keepmind9/resizebot/pkg/constants"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrInvalidWidth is returned when a requested width is not a number in range
	ErrInvalidWidth = errors.New("invalid target width")

	// ErrEmptyImage is returned when decoded or resized image has no pixels
	ErrEmptyImage = errors.New("image has no pixels")

	// ErrImageTooLarge is returned when a source or target image exceeds the pixel limit
	ErrImageTooLarge = errors.New("image exceeds pixel limit")
)

// Codec is the image backend used by the engine.
type Codec interface {
	Decode(data []byte) (image.Image, string, error)
	Resize(img image.Image, width, height int) (image.Image, error)
	Encode(img image.Image, format string) ([]byte, string, error)
}

// Imaging implements Codec on top of disintegration/imaging.
type Imaging struct {
	JPEGQuality int
	// MaxPixels bounds width*height of decoded images and of every buffer Resize allocates
	MaxPixels int64
}

// NewImaging returns a codec encoding JPEG at the given quality and refusing
// images above maxPixels. Out of range values fall back to the defaults.
func NewImaging(jpegQuality int, maxPixels int64) *Imaging {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = constants.DefaultJPEGQuality
	}
	if maxPixels <= 0 {
		maxPixels = constants.DefaultMaxPixels
	}
	return &Imaging{JPEGQuality: jpegQuality, MaxPixels: maxPixels}
}

func (c *Imaging) checkPixels(width, height int) error {
	limit := c.MaxPixels
	if limit <= 0 {
		limit = constants.DefaultMaxPixels
	}
	if pixels := int64(width) * int64(height); pixels > limit {
		return fmt.Errorf("%w: %dx%d is %d pixels, limit %d", ErrImageTooLarge, width, height, pixels, limit)
	}
	return nil
}

// Decode decodes data, applying EXIF orientation, and reports the detected
// format in upper case ("JPEG", "PNG", ...).
func (c *Imaging) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("decode image: %w", ErrEmptyImage)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("detect image format: %w", err)
	}
	if err := c.checkPixels(cfg.Width, cfg.Height); err != nil {
		return nil, "", fmt.Errorf("decode %s image: %w", format, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s image: %w", format, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("decode %s image: %w", format, ErrEmptyImage)
	}

	format = strings.ToUpper(format)
	if format == "" {
		format = constants.DefaultImageFormat
	}
	return img, format, nil
}

// Resize resamples img to exactly width x height with a Lanczos filter.
func (c *Imaging) Resize(img image.Image, width, height int) (out image.Image, err error) {
	if img == nil {
		return nil, fmt.Errorf("resize: %w", ErrEmptyImage)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("resize to %dx%d: %w", width, height, ErrInvalidWidth)
	}

	// imaging resamples horizontally first, so the intermediate buffer is width x source height
	if err := c.checkPixels(width, max(height, img.Bounds().Dy())); err != nil {
		return nil, fmt.Errorf("resize to %dx%d: %w", width, height, err)
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("resize to %dx%d: panic: %v", width, height, r)
		}
	}()

	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	b := resized.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("resize to %dx%d: got %dx%d", width, height, b.Dx(), b.Dy())
	}
	return resized, nil
}

// Encode writes img in the named format and returns the bytes together with
// the file extension that matches what was actually written.
func (c *Imaging) Encode(img image.Image, format string) ([]byte, string, error) {
	if img == nil {
		return nil, "", fmt.Errorf("encode: %w", ErrEmptyImage)
	}

	f := OutputFormat(format)

	var buf bytes.Buffer
	opts := []imaging.EncodeOption{
		imaging.JPEGQuality(c.JPEGQuality),
		imaging.PNGCompressionLevel(png.BestCompression),
	}
	if err := imaging.Encode(&buf, img, f, opts...); err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", f, err)
	}
	return buf.Bytes(), Extension(f), nil
}

// OutputFormat maps a detected format name onto an encodable format.
// Unknown names become JPEG; formats imaging cannot write become PNG.
func OutputFormat(name string) imaging.Format {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return imaging.JPEG
	}
	f, err := imaging.FormatFromExtension(name)
	if err == nil {
		return f
	}
	if name == "webp" {
		return imaging.PNG
	}
	return imaging.JPEG
}

// Extension returns the lower-case file extension for f, without a dot.
func Extension(f imaging.Format) string {
	return strings.ToLower(f.String())
}

// TargetHeight computes floor(origHeight*width/origWidth), clamped to at least 1.
func TargetHeight(origWidth, origHeight, width int) int {
	if origWidth <= 0 || origHeight <= 0 || width <= 0 {
		return 1
	}
	h := int64(origHeight) * int64(width) / int64(origWidth)
	if h < 1 {
		return 1
	}
	return int(h)
}

// ParseWidth parses user text as a width within [min, max] inclusive.
func ParseWidth(text string, min, max int) (int, error) {
	width, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidWidth, text)
	}
	if width < min || width > max {
		return 0, fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidWidth, width, min, max)
	}
	return width, nil
}
