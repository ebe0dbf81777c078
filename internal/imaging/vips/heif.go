// Package vips decodes HEIC/HEIF camera uploads through libvips. It is kept
// out of package imaging so only the binary links against libvips.
package vips

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/h2non/bimg"
)

// HEIFDecoder reconstructs a raster image from an HEIF container by letting
// libvips convert it to PNG.
type HEIFDecoder struct{}

// Supported reports whether the linked libvips was built with HEIF support.
func Supported() bool {
	return bimg.IsTypeSupported(bimg.HEIF)
}

func (HEIFDecoder) Size(raw []byte) (int, int, error) {
	size, err := bimg.NewImage(raw).Size()
	if err != nil {
		return 0, 0, fmt.Errorf("vips size: %w", err)
	}
	return size.Width, size.Height, nil
}

func (HEIFDecoder) Decode(raw []byte) (image.Image, error) {
	if t := bimg.DetermineImageType(raw); t != bimg.HEIF {
		return nil, fmt.Errorf("not a heif container (detected %s)", bimg.ImageTypeName(t))
	}

	converted, err := bimg.NewImage(raw).Convert(bimg.PNG)
	if err != nil {
		return nil, fmt.Errorf("vips convert: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(converted))
	if err != nil {
		return nil, fmt.Errorf("decode converted heif: %w", err)
	}
	return img, nil
}
