package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocessBinarizesToPureBlackAndWhite(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 200; x++ {
			if x < 100 {
				src.Set(x, y, color.RGBA{R: 30, G: 30, B: 30, A: 255})
			} else {
				src.Set(x, y, color.RGBA{R: 220, G: 220, B: 220, A: 255})
			}
		}
	}

	out, err := Preprocess(src, DefaultConfig())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	seen := map[uint8]bool{}
	for y := out.Bounds().Min.Y; y < out.Bounds().Max.Y; y++ {
		for x := out.Bounds().Min.X; x < out.Bounds().Max.X; x++ {
			seen[out.GrayAt(x, y).Y] = true
		}
	}
	for v := range seen {
		if v != 0 && v != 255 {
			t.Fatalf("binarized image contains grey value %d", v)
		}
	}
	if !seen[0] || !seen[255] {
		t.Fatalf("expected both black and white pixels, got %v", seen)
	}
}

func TestPreprocessUpscalesCrop(t *testing.T) {
	cfg := DefaultConfig()
	src := solidImage(400, 240, color.White)

	out, err := Preprocess(src, cfg)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	wantW := int(float64(int(400*cfg.CropWidthRatio)) * cfg.ScaleFactor)
	if out.Bounds().Dx() != wantW {
		t.Fatalf("expected width %d, got %d", wantW, out.Bounds().Dx())
	}
}

func TestPreprocessRejectsNilSource(t *testing.T) {
	if _, err := Preprocess(nil, DefaultConfig()); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestPreprocessRejectsUnusableCropConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CropWidthRatio = 0
	if _, err := Preprocess(solidImage(10, 10, color.White), cfg); !errors.Is(err, ErrProcessingUnavailable) {
		t.Fatalf("expected ErrProcessingUnavailable, got %v", err)
	}
}

func TestEstimateBrightnessGatesDarkCaptures(t *testing.T) {
	cfg := DefaultConfig()

	bright, err := EstimateBrightness(solidImage(200, 120, color.White), cfg)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !bright {
		t.Fatal("expected white capture to pass the brightness floor")
	}

	bright, err = EstimateBrightness(solidImage(200, 120, color.Black), cfg)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if bright {
		t.Fatal("expected black capture to fail the brightness floor")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("not an image"))); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(4, 4, color.White)); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}

	img, err := DecodeBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 4 {
		t.Fatalf("unexpected bounds: %v", img.Bounds())
	}
}
