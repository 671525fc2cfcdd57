// Package derivatives generates size- and format-optimized variants of
// uploaded originals. A completed original upload feeds the pipeline, which
// produces a web-friendly display rendition and a thumbnail, each persisted
// as its own memory asset with its own storage edge.
package derivatives

import (
	"bytes"
	"fmt"
	"image"
	"math"

	_ "image/gif"  // GIF decoding
	"image/jpeg"
	_ "image/png" // PNG decoding

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // WebP decoding

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// Spec describes one derivative rendition.
type Spec struct {
	Type        interfaces.AssetType
	LongestEdge int
	// Quality is the JPEG quality in percent.
	Quality int
}

// DefaultDisplay is the web-efficient rendition served in galleries.
var DefaultDisplay = Spec{Type: interfaces.AssetDisplay, LongestEdge: 2048, Quality: 85}

// DefaultThumb is the grid thumbnail rendition.
var DefaultThumb = Spec{Type: interfaces.AssetThumb, LongestEdge: 512, Quality: 80}

// TargetSize computes the derivative dimensions for an original of w x h.
// Aspect ratio is preserved and images are never upscaled: when the longest
// edge already fits, dimensions pass through unchanged. Otherwise the
// longest edge is scaled to the target and the other dimension rounded.
func TargetSize(w, h, longestEdge int) (int, int) {
	if w <= 0 || h <= 0 || longestEdge <= 0 {
		return w, h
	}

	longest := w
	if h > w {
		longest = h
	}
	if longest <= longestEdge {
		return w, h
	}

	scale := float64(longestEdge) / float64(longest)
	if w >= h {
		return longestEdge, roundDim(float64(h) * scale)
	}
	return roundDim(float64(w) * scale), longestEdge
}

func roundDim(v float64) int {
	r := int(math.Round(v))
	if r < 1 {
		return 1
	}
	return r
}

// Decode parses an original blob into an image. JPEG, PNG, GIF and WebP are
// supported.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// Render scales the source to the spec and encodes it as JPEG. The returned
// dimensions are the rendered ones, which equal the source's when no
// downscale was needed.
func Render(src image.Image, spec Spec) ([]byte, int, int, error) {
	bounds := src.Bounds()
	targetW, targetH := TargetSize(bounds.Dx(), bounds.Dy(), spec.LongestEdge)

	out := src
	if targetW != bounds.Dx() || targetH != bounds.Dy() {
		scaled := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
		out = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: spec.Quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return buf.Bytes(), targetW, targetH, nil
}
