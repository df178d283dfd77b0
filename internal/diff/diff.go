// Package diff implements the two-phase comparison engine of spec.md
// §4.6: a byte-identical fast path, and — only when bytes differ — a
// perceptual YIQ pixel comparison with anti-aliasing detection (the same
// algorithm pixelmatch uses), dimension-mismatch handling by magenta
// padding rather than resampling, and a magenta/red/grayscale diff image.
package diff

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
)

// magenta marks padded canvas area added to align mismatched dimensions.
var magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}

// red marks a pixel the perceptual pass classified as a real difference.
var red = color.RGBA{R: 255, G: 0, B: 0, A: 255}

// antiAliasThreshold is pixelmatch's default per-pixel YIQ delta at which
// a pixel is considered different before anti-aliasing suppression.
const antiAliasThreshold = 0.1

// Result is the outcome of comparing a reference PNG to a current one.
type Result struct {
	Pass     bool
	Score    float64 // differing_pixels / total_pixels, in [0.0, 1.0]
	Diff     image.Image
	Mismatch bool // true if dimensions differed and padding was applied
}

// ErrDecode wraps a PNG decode failure from either input.
var ErrDecode = errors.New("diff: failed to decode PNG")

// Compare runs the two-phase comparison of refPNG against curPNG.
// threshold is the maximum score still counted as Pass.
func Compare(refPNG, curPNG []byte, threshold float64) (*Result, error) {
	if bytes.Equal(refPNG, curPNG) {
		return &Result{Pass: true, Score: 0}, nil
	}

	ref, err := png.Decode(bytes.NewReader(refPNG))
	if err != nil {
		return nil, errDecode(err)
	}
	cur, err := png.Decode(bytes.NewReader(curPNG))
	if err != nil {
		return nil, errDecode(err)
	}

	refRGBA := toRGBA(ref)
	curRGBA := toRGBA(cur)

	mismatch := false
	var padMask *image.Alpha // non-nil: pixel is padding, not real content in at least one source
	rb, cb := refRGBA.Bounds(), curRGBA.Bounds()
	if rb.Dx() != cb.Dx() || rb.Dy() != cb.Dy() {
		w := max(rb.Dx(), cb.Dx())
		h := max(rb.Dy(), cb.Dy())
		var refMask, curMask *image.Alpha
		refRGBA, refMask = padToCanvas(refRGBA, w, h)
		curRGBA, curMask = padToCanvas(curRGBA, w, h)
		padMask = unionMask(refMask, curMask)
		mismatch = true
	}

	diffImg, score := perceptualDiff(refRGBA, curRGBA, padMask)

	return &Result{
		Pass:     score == 0 || score <= threshold,
		Score:    score,
		Diff:     diffImg,
		Mismatch: mismatch,
	}, nil
}

func errDecode(err error) error {
	return errors.Join(ErrDecode, err)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// padToCanvas returns img placed at the origin of a w×h canvas, the
// uncovered area filled with magenta, plus a mask marking that uncovered
// area. Never resamples img's own pixels.
func padToCanvas(img *image.RGBA, w, h int) (*image.RGBA, *image.Alpha) {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: magenta}, image.Point{}, draw.Src)
	draw.Draw(out, img.Bounds(), img, image.Point{}, draw.Src)

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	draw.Draw(mask, mask.Bounds(), &image.Uniform{C: color.Alpha{A: 255}}, image.Point{}, draw.Src)
	draw.Draw(mask, img.Bounds(), &image.Uniform{C: color.Alpha{A: 0}}, image.Point{}, draw.Src)
	return out, mask
}

// unionMask marks a pixel as padding if either source mask does.
func unionMask(a, b *image.Alpha) *image.Alpha {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := image.NewAlpha(a.Bounds())
	for i := range out.Pix {
		if a.Pix[i] != 0 || b.Pix[i] != 0 {
			out.Pix[i] = 255
		}
	}
	return out
}

// perceptualDiff walks every pixel, computing a YIQ-weighted delta; a
// pixel whose delta clears antiAliasThreshold is painted red unless it
// is classified as an anti-aliasing artifact against either source
// image (in which case it's carried through as grayscale, matching
// pixelmatch's default "don't flag AA edges" behavior).
func perceptualDiff(a, b *image.RGBA, padMask *image.Alpha) (*image.RGBA, float64) {
	bounds := a.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := image.NewRGBA(bounds)

	var diffCount int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if padMask != nil && padMask.AlphaAt(x, y).A != 0 {
				out.Set(x, y, magenta)
				diffCount++
				continue
			}
			delta := colorDelta(a, b, x, y)
			if math.Abs(delta) > antiAliasThreshold {
				if isAntiAliased(a, b, x, y, w, h) || isAntiAliased(b, a, x, y, w, h) {
					out.Set(x, y, grayscale(a.RGBAAt(x, y)))
					continue
				}
				out.Set(x, y, red)
				diffCount++
				continue
			}
			out.Set(x, y, grayscale(a.RGBAAt(x, y)))
		}
	}

	total := w * h
	if total == 0 {
		return out, 0
	}
	return out, float64(diffCount) / float64(total)
}

// colorDelta returns a signed YIQ luminance-weighted delta between the
// pixel at (x,y) in a and b, following pixelmatch's color-distance
// metric (luma weighted far above chroma).
func colorDelta(a, b *image.RGBA, x, y int) float64 {
	pa := a.RGBAAt(x, y)
	pb := b.RGBAAt(x, y)

	ya := rgbToY(pa)
	yb := rgbToY(pb)
	ia := rgbToI(pa)
	ib := rgbToI(pb)
	qa := rgbToQ(pa)
	qb := rgbToQ(pb)

	delta := 0.5053*(ya-yb)*(ya-yb) + 0.299*(ia-ib)*(ia-ib) + 0.1957*(qa-qb)*(qa-qb)
	d := math.Sqrt(delta) / 255.0
	if ya < yb {
		return -d
	}
	return d
}

func rgbToY(c color.RGBA) float64 {
	return 0.29889531*float64(c.R) + 0.58662247*float64(c.G) + 0.11448223*float64(c.B)
}

func rgbToI(c color.RGBA) float64 {
	return 0.59597799*float64(c.R) - 0.27417610*float64(c.G) - 0.32180189*float64(c.B)
}

func rgbToQ(c color.RGBA) float64 {
	return 0.21147017*float64(c.R) - 0.52261711*float64(c.G) + 0.31114694*float64(c.B)
}

// isAntiAliased applies a simplified form of pixelmatch's anti-aliasing
// heuristic: a pixel is treated as an AA artifact if it is a strict local
// luminance extremum among its 3x3 neighborhood in img (strictly brighter
// or darker than every neighbor, so a pixel in a flat region never
// qualifies), and at least two neighbors are identical in img and other —
// i.e. the edge moved, but the underlying content did not.
func isAntiAliased(img, other *image.RGBA, x1, y1, w, h int) bool {
	x0, y0 := max(x1-1, 0), max(y1-1, 0)
	x2, y2 := min(x1+1, w-1), min(y1+1, h-1)

	center := rgbToY(img.RGBAAt(x1, y1))
	var min_, max_ float64
	minSet := false
	zeroes := 0

	for yy := y0; yy <= y2; yy++ {
		for xx := x0; xx <= x2; xx++ {
			if xx == x1 && yy == y1 {
				continue
			}
			l := rgbToY(img.RGBAAt(xx, yy))
			if !minSet {
				min_, max_ = l, l
				minSet = true
			} else {
				if l < min_ {
					min_ = l
				}
				if l > max_ {
					max_ = l
				}
			}
			if img.RGBAAt(xx, yy) == other.RGBAAt(xx, yy) {
				zeroes++
			}
		}
	}

	if !minSet || zeroes < 2 {
		return false
	}

	return center < min_ || center > max_
}

func grayscale(c color.RGBA) color.RGBA {
	y := uint8(rgbToY(c))
	return color.RGBA{R: y, G: y, B: y, A: 255}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// EncodePNG encodes img to PNG bytes, for writing a diff image to the
// store.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
