package processor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// imageSize returns the pixel size of an encoded image, or zeros when unknown
func imageSize(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// cropRegion cuts the region out of an encoded page image and re-encodes it as PNG.
// The region is clipped to the image bounds; the clipped rectangle is returned so
// callers offset locations from where the crop actually starts.
func cropRegion(data []byte, region Region) ([]byte, image.Rectangle, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("failed to decode page image: %w", err)
	}

	rect := image.Rect(region.X, region.Y, region.X+region.Width, region.Y+region.Height).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, image.Rectangle{}, fmt.Errorf("region %dx%d at (%d,%d) is outside the page", region.Width, region.Height, region.X, region.Y)
	}

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	sub, ok := img.(subImager)
	if !ok {
		return nil, image.Rectangle{}, fmt.Errorf("image type %T cannot be cropped", img)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sub.SubImage(rect)); err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("failed to encode region: %w", err)
	}
	return buf.Bytes(), rect, nil
}

// detectMimeTypeFromMagicBytes identifies raster formats a page can arrive in
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF, little- or big-endian
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	return ""
}

// visionImage passes through formats the vision models accept and re-encodes
// anything else as PNG.
func visionImage(data []byte, mimeType string) ([]byte, string, error) {
	switch mimeType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return data, mimeType, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("unsupported page format %q: %w", mimeType, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("failed to re-encode page: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}
