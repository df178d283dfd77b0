package orchestrator

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

// encodeTestPNG builds a solid-color w×h PNG for fixtures; kept in its
// own file since it's test-only scaffolding, not orchestrator logic.
func encodeTestPNG(t *testing.T, w, h int, v byte) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: v, G: v, B: v, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
