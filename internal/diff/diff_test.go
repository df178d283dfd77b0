package diff

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestCompare_ByteIdenticalIsPassWithZeroScore(t *testing.T) {
	png := encode(t, solid(10, 10, color.RGBA{10, 20, 30, 255}))

	res, err := Compare(png, png, 0.0)
	require.NoError(t, err)
	require.True(t, res.Pass)
	require.Equal(t, 0.0, res.Score)
}

func TestCompare_ScoreAboveThresholdIsFail(t *testing.T) {
	ref := solid(100, 10, color.RGBA{0, 0, 0, 255})
	cur := solid(100, 10, color.RGBA{0, 0, 0, 255})
	// Flip ten pixels to white: 10/1000 = 0.01 differing.
	for x := 0; x < 10; x++ {
		cur.Set(x, 0, color.RGBA{255, 255, 255, 255})
	}

	res, err := Compare(encode(t, ref), encode(t, cur), 0.0)
	require.NoError(t, err)
	require.False(t, res.Pass)
	require.Greater(t, res.Score, 0.0)
	require.False(t, res.Mismatch)
}

func TestCompare_ScoreWithinThresholdIsPass(t *testing.T) {
	ref := solid(100, 10, color.RGBA{0, 0, 0, 255})
	cur := solid(100, 10, color.RGBA{0, 0, 0, 255})
	cur.Set(0, 0, color.RGBA{255, 255, 255, 255})

	res, err := Compare(encode(t, ref), encode(t, cur), 1.0)
	require.NoError(t, err)
	require.True(t, res.Pass)
}

func TestCompare_DimensionMismatchPadsWithMagentaNoResample(t *testing.T) {
	ref := solid(100, 100, color.RGBA{0, 0, 0, 255})
	cur := solid(120, 100, color.RGBA{0, 0, 0, 255})

	res, err := Compare(encode(t, ref), encode(t, cur), 0.0)
	require.NoError(t, err)
	require.True(t, res.Mismatch)
	require.False(t, res.Pass)

	require.Equal(t, 120, res.Diff.Bounds().Dx())
	require.Equal(t, 100, res.Diff.Bounds().Dy())

	foundMagenta := false
	for y := 0; y < res.Diff.Bounds().Dy(); y++ {
		r, g, b, _ := res.Diff.At(110, y).RGBA()
		if r>>8 == 255 && g>>8 == 0 && b>>8 == 255 {
			foundMagenta = true
			break
		}
	}
	require.True(t, foundMagenta, "expected magenta padding strip to be visible in the diff image")
}

func TestCompare_InvalidPNGReturnsDecodeError(t *testing.T) {
	_, err := Compare([]byte("not a png"), []byte("also not a png either"), 0.0)
	require.Error(t, err)
}
