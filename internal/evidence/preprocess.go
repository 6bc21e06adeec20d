// Package evidence turns uploaded images and landing pages into text and
// screenshots attached to a submission.
package evidence

import (
	"bytes"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
)

// Preprocess prepares an image for OCR: downscale to maxWidth, grayscale,
// stretch contrast, then binarize at the Otsu threshold. The result is PNG.
func Preprocess(data []byte, maxWidth int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, eris.Wrap(err, "evidence: decode image")
	}

	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	gray := imaging.Grayscale(img)

	lo, hi := luminanceRange(gray)
	if hi > lo {
		scale := 255.0 / float64(hi-lo)
		gray = imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
			v := clampByte((float64(c.R) - float64(lo)) * scale)
			return color.NRGBA{R: v, G: v, B: v, A: c.A}
		})
	}

	threshold := otsuThreshold(histogram(gray))
	bin := imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		v := uint8(0)
		if c.R > threshold {
			v = 255
		}
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, bin, imaging.PNG); err != nil {
		return nil, eris.Wrap(err, "evidence: encode png")
	}
	return buf.Bytes(), nil
}

func histogram(img *image.NRGBA) [256]int {
	var h [256]int
	for i := 0; i+3 < len(img.Pix); i += 4 {
		h[img.Pix[i]]++
	}
	return h
}

// luminanceRange returns the 1st and 99th percentile gray levels so a few
// outlier pixels do not defeat the stretch.
func luminanceRange(img *image.NRGBA) (uint8, uint8) {
	h := histogram(img)
	total := 0
	for _, n := range h {
		total += n
	}
	if total == 0 {
		return 0, 0
	}
	cut := total / 100

	var lo, hi int
	acc := 0
	for lo = 0; lo < 255; lo++ {
		acc += h[lo]
		if acc > cut {
			break
		}
	}
	acc = 0
	for hi = 255; hi > 0; hi-- {
		acc += h[hi]
		if acc > cut {
			break
		}
	}
	if hi < lo {
		return uint8(lo), uint8(lo)
	}
	return uint8(lo), uint8(hi)
}

// otsuThreshold picks the gray level maximizing between-class variance.
func otsuThreshold(h [256]int) uint8 {
	total := 0
	sum := 0.0
	for i, n := range h {
		total += n
		sum += float64(i * n)
	}
	if total == 0 {
		return 127
	}

	var sumB, maxVar float64
	var wB int
	best := 127
	for t := 0; t < 256; t++ {
		wB += h[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * h[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > maxVar {
			maxVar = between
			best = t
		}
	}
	return uint8(best)
}

func clampByte(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
