package raster

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"
)

// DefaultMaxDimension keeps page images well inside vision model limits
const DefaultMaxDimension = 4096

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
	".heic": "image/heic",
	".heif": "image/heif",
}

// MimeType maps a file extension to its MIME type, or "" when unsupported
func MimeType(path string) string {
	return mimeTypes[strings.ToLower(filepath.Ext(path))]
}

// Supported reports whether path has an extension the pipeline accepts
func Supported(path string) bool {
	return MimeType(path) != ""
}

// IsPDF reports whether path names a PDF
func IsPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// Normalize prepares an image for upload. HEIC/HEIF input is decoded and
// re-encoded as PNG, and anything larger than maxDimension on its longest
// side is scaled down. PNG and JPEG within limits pass through unchanged.
// It returns the data and the MIME type to send with it.
func Normalize(data []byte, mimeType string, maxDimension int) ([]byte, string, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}

	heicInput := isHEICFormat(data) || isHEICMimeType(mimeType)

	var (
		img image.Image
		err error
	)
	if heicInput {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("unsupported image format: %w", err)
		}
		if cfg.Width <= maxDimension && cfg.Height <= maxDimension {
			if mimeType == "" {
				mimeType = "image/png"
			}
			return data, mimeType, nil
		}
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decoding image: %w", err)
		}
	}

	img = downscale(img, maxDimension)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}

// downscale shrinks img so its longest side is maxDimension, keeping the aspect ratio
func downscale(img image.Image, maxDimension int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxDimension && height <= maxDimension {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDimension
		newHeight = max(1, int(float64(height)*float64(maxDimension)/float64(width)))
	} else {
		newHeight = maxDimension
		newWidth = max(1, int(float64(width)*float64(maxDimension)/float64(height)))
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
