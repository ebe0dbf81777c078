// Package imaging turns arbitrary uploads into canonical JPEG bytes so that
// identical photos hash identically.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/petermazzocco/carspotter/internal/apperr"
)

const ContentTypeJPEG = "image/jpeg"

const (
	DefaultMaxDimension = 800
	DefaultQuality      = 85
	DefaultMaxBytes     = 20 << 20
	DefaultMaxPixels    = 50_000_000
)

// Decoder decodes a format the generic decoders do not understand.
type Decoder interface {
	Decode(raw []byte) (image.Image, error)
}

// Sizer is implemented by decoders that can read dimensions without
// decoding the raster.
type Sizer interface {
	Size(raw []byte) (width, height int, err error)
}

type Options struct {
	MaxBytes int64
	// MaxPixels bounds width*height of the decoded raster.
	MaxPixels    int64
	MaxDimension int
	Quality      int
	// Fallback is tried when no registered decoder accepts the upload.
	Fallback Decoder
}

// Canonical is the normalized form of an upload.
type Canonical struct {
	Bytes       []byte
	ContentType string
	Width       int
	Height      int
}

type Normalizer struct {
	maxBytes     int64
	maxPixels    int64
	maxDimension int
	quality      int
	fallback     Decoder
	buffers      sync.Pool
}

func NewNormalizer(opts Options) *Normalizer {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	return &Normalizer{
		maxBytes:     opts.MaxBytes,
		maxPixels:    opts.MaxPixels,
		maxDimension: opts.MaxDimension,
		quality:      opts.Quality,
		fallback:     opts.Fallback,
		buffers: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

// Normalize decodes raw, flattens it to RGB, bounds its dimensions and
// re-encodes it as JPEG. The only errors are ErrPayloadTooLarge and
// ErrUnsupportedFormat.
func (n *Normalizer) Normalize(raw []byte) (Canonical, error) {
	if int64(len(raw)) > n.maxBytes {
		return Canonical{}, apperr.Wrap(apperr.ErrPayloadTooLarge,
			fmt.Errorf("upload is %d bytes, limit is %d", len(raw), n.maxBytes))
	}

	src, err := n.decode(raw)
	if err != nil {
		return Canonical{}, err
	}

	// Drop each intermediate frame as soon as the next one exists.
	rgb := toRGB(src)
	src = nil
	scaled := n.downscale(rgb)
	rgb = nil

	buf := n.buffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		buf.Reset()
		n.buffers.Put(buf)
	}()

	if err := jpeg.Encode(buf, scaled, &jpeg.Options{Quality: n.quality}); err != nil {
		return Canonical{}, apperr.Wrap(apperr.ErrUnsupportedFormat, err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	b := scaled.Bounds()
	return Canonical{
		Bytes:       out,
		ContentType: ContentTypeJPEG,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

// decode reads the header first so oversized rasters are rejected before
// any pixel memory is allocated.
func (n *Normalizer) decode(raw []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err == nil {
		if err := n.checkPixels(cfg.Width, cfg.Height); err != nil {
			return nil, err
		}
		var img image.Image
		if img, _, err = image.Decode(bytes.NewReader(raw)); err == nil {
			return img, nil
		}
	}
	if n.fallback == nil {
		return nil, apperr.Wrap(apperr.ErrUnsupportedFormat, err)
	}
	if s, ok := n.fallback.(Sizer); ok {
		if w, h, serr := s.Size(raw); serr == nil {
			if err := n.checkPixels(w, h); err != nil {
				return nil, err
			}
		}
	}
	img, ferr := n.fallback.Decode(raw)
	if ferr != nil {
		return nil, apperr.Wrap(apperr.ErrUnsupportedFormat, fmt.Errorf("%v; fallback: %w", err, ferr))
	}
	b := img.Bounds()
	if err := n.checkPixels(b.Dx(), b.Dy()); err != nil {
		return nil, err
	}
	return img, nil
}

func (n *Normalizer) checkPixels(width, height int) error {
	if px := int64(width) * int64(height); px > n.maxPixels {
		return apperr.Wrap(apperr.ErrPayloadTooLarge,
			fmt.Errorf("image is %dx%d, limit is %d pixels", width, height, n.maxPixels))
	}
	return nil
}

// toRGB draws src onto an opaque canvas, dropping any alpha channel.
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// downscale fits img inside the dimension bound, keeping the aspect ratio.
// Images already inside the bound are returned untouched.
func (n *Normalizer) downscale(img *image.RGBA) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	nw, nh, ok := fitWithin(w, h, n.maxDimension)
	if !ok {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func fitWithin(w, h, bound int) (int, int, bool) {
	if w <= bound && h <= bound {
		return w, h, false
	}
	var nw, nh int
	if w >= h {
		nw = bound
		nh = int(float64(h)*float64(bound)/float64(w) + 0.5)
	} else {
		nh = bound
		nw = int(float64(w)*float64(bound)/float64(h) + 0.5)
	}
	return max(nw, 1), max(nh, 1), true
}
