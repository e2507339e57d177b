package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	_ "image/gif"
	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// ErrInvalidImage indicates the source image could not be decoded.
var ErrInvalidImage = errors.New("invalid image")

// ErrProcessingUnavailable indicates a drawing surface could not be acquired.
var ErrProcessingUnavailable = errors.New("processing unavailable")

// Config holds the crop, scale, and binarization settings for the MRZ band.
type Config struct {
	// CropWidthRatio is the crop width as a fraction of the source width.
	CropWidthRatio float64
	// AspectRatio is the target width:height ratio of the MRZ band crop.
	AspectRatio float64
	// ScaleFactor is the upscale applied before binarization.
	ScaleFactor float64
	// BinarizeThreshold splits luminance into pure black and pure white.
	// Useful range is roughly 100-130 depending on ambient lighting.
	BinarizeThreshold uint8
	// MinBrightness is the mean-luminance floor below which OCR is skipped.
	MinBrightness float64
}

// DefaultConfig returns the tuned defaults for ID card MRZ extraction.
func DefaultConfig() Config {
	return Config{
		CropWidthRatio:    0.9,
		AspectRatio:       8.0,
		ScaleFactor:       2.5,
		BinarizeThreshold: 110,
		MinBrightness:     80,
	}
}

// Decode reads and decodes a captured still image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// DecodeBytes decodes an in-memory captured image.
func DecodeBytes(data []byte) (image.Image, error) {
	return Decode(bytes.NewReader(data))
}

// Preprocess crops the MRZ band out of a raw ID card photo, upscales it with
// Catmull-Rom resampling, and binarizes every pixel against the configured
// threshold. The source image is never mutated.
func Preprocess(raw image.Image, cfg Config) (*image.Gray, error) {
	if raw == nil {
		return nil, ErrInvalidImage
	}
	rect, err := cropRect(raw.Bounds(), cfg)
	if err != nil {
		return nil, err
	}

	outW := int(float64(rect.Dx()) * cfg.ScaleFactor)
	outH := int(float64(rect.Dy()) * cfg.ScaleFactor)
	if outW <= 0 || outH <= 0 {
		return nil, fmt.Errorf("%w: empty upscale target", ErrProcessingUnavailable)
	}

	scaled := image.NewRGBA(image.Rect(0, 0, outW, outH))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), raw, rect, xdraw.Src, nil)

	out := image.NewGray(scaled.Bounds())
	threshold := float64(cfg.BinarizeThreshold)
	for y := scaled.Bounds().Min.Y; y < scaled.Bounds().Max.Y; y++ {
		for x := scaled.Bounds().Min.X; x < scaled.Bounds().Max.X; x++ {
			if luminanceAt(scaled, x, y) > threshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			} else {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return out, nil
}

// EstimateBrightness crops the same MRZ band without upscaling and reports
// whether its mean luminance meets the configured floor. Used to short-circuit
// OCR attempts doomed by poor lighting.
func EstimateBrightness(raw image.Image, cfg Config) (bool, error) {
	if raw == nil {
		return false, ErrInvalidImage
	}
	rect, err := cropRect(raw.Bounds(), cfg)
	if err != nil {
		return false, err
	}

	var sum float64
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			sum += luminanceAt(raw, x, y)
		}
	}
	mean := sum / float64(rect.Dx()*rect.Dy())
	return mean >= cfg.MinBrightness, nil
}

// EncodePNG serializes a preprocessed image for the OCR engine.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// cropRect computes the centered MRZ band rectangle from the two ratios.
func cropRect(bounds image.Rectangle, cfg Config) (image.Rectangle, error) {
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW <= 0 || srcH <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: empty source", ErrProcessingUnavailable)
	}
	if cfg.CropWidthRatio <= 0 || cfg.AspectRatio <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: invalid crop config", ErrProcessingUnavailable)
	}

	cropW := int(float64(srcW) * cfg.CropWidthRatio)
	cropH := int(float64(cropW) / cfg.AspectRatio)
	if cropW <= 0 || cropH <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: empty crop", ErrProcessingUnavailable)
	}
	if cropH > srcH {
		cropH = srcH
	}

	x0 := bounds.Min.X + (srcW-cropW)/2
	y0 := bounds.Min.Y + (srcH-cropH)/2
	return image.Rect(x0, y0, x0+cropW, y0+cropH), nil
}

// luminanceAt applies the standard 0.299R + 0.587G + 0.114B weighting.
func luminanceAt(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	return 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
}
