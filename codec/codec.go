// Package codec compresses raw BGRA video frames to a bounded-size blob
// and decompresses them back, for storage in a VideoRing. The codec must
// be stateless and safe for concurrent use, since producer and extractor
// goroutines call it independently.
//
// The blob format is JPEG (stdlib image/jpeg — see DESIGN.md for why no
// third-party codec from the example pack fit better). JPEG's End-Of-Image
// marker (0xFF 0xD9) doubles as the self-delimiting end marker the spec
// requires for scanning variable-length blobs out of a fixed-stride disk
// slot: entropy-coded scan data byte-stuffs every literal 0xFF with a
// trailing 0x00, so an unescaped 0xFF 0xD9 only ever occurs at the real
// end of the stream.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// ErrCorruptedBlob is returned when a compressed blob cannot be decoded.
var ErrCorruptedBlob = errors.New("codec: corrupted blob")

// ErrSizeMismatch is returned when a decompressed frame's dimensions don't
// match the destination buffer, or when compression cannot fit within
// MaxCompressedSize for any attempted quality.
var ErrSizeMismatch = errors.New("codec: size mismatch")

// endMarker is the JPEG End-Of-Image marker.
var endMarker = []byte{0xFF, 0xD9}

// Ctx is a stateless, thread-safe BGRA<->JPEG codec bound to one frame
// geometry. Quality is in the opaque 0..100 range the core treats as a
// config knob (see videoring.Config.CodecQuality).
type Ctx struct {
	width, height int
	quality       int
}

// MaxCompressedSize returns 1.5 * width * height, the hard upper bound on
// a compressed frame's length per spec invariant I1.
func MaxCompressedSize(width, height int) int {
	return width * height * 3 / 2
}

// FrameSize returns width * height * 4, the exact size of one raw BGRA frame.
func FrameSize(width, height int) int {
	return width * height * 4
}

// New returns a Ctx for frames of the given geometry. quality is clamped
// to [1, 100]; the core never needs quality 0 (an empty blob can't
// round-trip).
func New(width, height, quality int) *Ctx {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &Ctx{width: width, height: height, quality: quality}
}

// Compress appends a JPEG-encoded blob of raw (contiguous BGRA, exactly
// FrameSize(width, height) bytes) to dst, which is cleared first. If the
// blob at the configured quality would exceed MaxCompressedSize, Compress
// retries at progressively lower quality before giving up with
// ErrSizeMismatch — in practice unreachable for real capture content, but
// checked to uphold invariant I1.
func (c *Ctx) Compress(raw []byte, dst *bytes.Buffer) error {
	want := FrameSize(c.width, c.height)
	if len(raw) != want {
		return fmt.Errorf("%w: raw frame is %d bytes, want %d", ErrSizeMismatch, len(raw), want)
	}

	img := &bgraImage{pix: raw, width: c.width, height: c.height}
	maxLen := MaxCompressedSize(c.width, c.height)

	dst.Reset()
	quality := c.quality
	for {
		dst.Reset()
		if err := jpeg.Encode(dst, img, &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("codec: encode: %w", err)
		}
		if dst.Len() <= maxLen {
			return nil
		}
		if quality <= 10 {
			return fmt.Errorf("%w: compressed frame is %d bytes, max %d", ErrSizeMismatch, dst.Len(), maxLen)
		}
		quality -= 20
		if quality < 10 {
			quality = 10
		}
	}
}

// DecompressInto decodes src (a JPEG blob, possibly followed by trailing
// padding past the EOI marker — callers should trim with ScanEndMarker
// first when reading from a fixed-stride disk slot) into dst, which must
// be exactly FrameSize(width, height) bytes long.
func (c *Ctx) DecompressInto(src []byte, dst []byte) error {
	want := FrameSize(c.width, c.height)
	if len(dst) != want {
		return fmt.Errorf("%w: dst is %d bytes, want %d", ErrSizeMismatch, len(dst), want)
	}

	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedBlob, err)
	}

	b := img.Bounds()
	if b.Dx() != c.width || b.Dy() != c.height {
		return fmt.Errorf("%w: decoded %dx%d, want %dx%d", ErrSizeMismatch, b.Dx(), b.Dy(), c.width, c.height)
	}

	fillBGRA(dst, img, c.width, c.height)
	return nil
}

// ScanEndMarker returns the length of the JPEG blob starting at the
// beginning of buf, i.e. the offset just past the first unescaped 0xFF
// 0xD9 end marker found within limit bytes. It returns -1 if no end
// marker is found within limit.
func ScanEndMarker(buf []byte, limit int) int {
	if limit > len(buf) {
		limit = len(buf)
	}
	idx := bytes.Index(buf[:limit], endMarker)
	if idx < 0 {
		return -1
	}
	return idx + len(endMarker)
}

// bgraImage adapts a raw BGRA byte slice to image.Image without copying,
// so Compress can hand it straight to the stdlib JPEG encoder.
type bgraImage struct {
	pix           []byte
	width, height int
}

func (b *bgraImage) ColorModel() color.Model { return color.RGBAModel }

// Bounds and At implement image.Image; the stdlib jpeg encoder only
// needs these two plus ColorModel.
func (b *bgraImage) Bounds() image.Rectangle { return image.Rect(0, 0, b.width, b.height) }

func (b *bgraImage) At(x, y int) color.Color {
	i := (y*b.width + x) * 4
	blue, green, red, alpha := b.pix[i], b.pix[i+1], b.pix[i+2], b.pix[i+3]
	return color.RGBA{R: red, G: green, B: blue, A: alpha}
}

// fillBGRA writes img's pixels into dst as contiguous BGRA.
func fillBGRA(dst []byte, img image.Image, width, height int) {
	b := img.Bounds()
	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			dst[i] = byte(bl >> 8)
			dst[i+1] = byte(g >> 8)
			dst[i+2] = byte(r >> 8)
			dst[i+3] = byte(a >> 8)
			i += 4
		}
	}
}
