package derivatives

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name        string
		w, h        int
		longestEdge int
		wantW       int
		wantH       int
	}{
		{"landscape to display", 6000, 4000, 2048, 2048, 1365},
		{"landscape to thumb", 6000, 4000, 512, 512, 341},
		{"portrait to display", 4000, 6000, 2048, 1365, 2048},
		{"already fits", 1600, 900, 2048, 1600, 900},
		{"exact fit", 2048, 1024, 2048, 2048, 1024},
		{"square", 5000, 5000, 512, 512, 512},
		{"never upscales", 300, 200, 512, 300, 200},
		{"extreme ratio stays positive", 10000, 2, 512, 512, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := TargetSize(tt.w, tt.h, tt.longestEdge)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func makeTestImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func TestRenderDownscales(t *testing.T) {
	src := makeTestImage(3000, 2000)

	data, w, h, err := Render(src, DefaultThumb)
	require.NoError(t, err)
	assert.Equal(t, 512, w)
	assert.Equal(t, 341, h)

	decoded, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 512, decoded.Bounds().Dx())
	assert.Equal(t, 341, decoded.Bounds().Dy())
}

func TestRenderPassThroughStillReencodes(t *testing.T) {
	src := makeTestImage(800, 600)

	data, w, h, err := Render(src, DefaultDisplay)
	require.NoError(t, err)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)

	_, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format, "small originals still normalize to jpeg")
}

func TestDecodeFormats(t *testing.T) {
	src := makeTestImage(40, 30)

	var jpegBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpegBuf, src, nil))
	_, format, err := Decode(jpegBuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, src))
	_, format, err = Decode(pngBuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	_, _, err = Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}
