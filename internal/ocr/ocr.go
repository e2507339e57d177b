// Package ocr defines the OCR capability consumed by the verification flow
// and its Tesseract-backed implementation.
package ocr

import (
	"context"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// MRZWhitelist restricts recognition to the TD1 MRZ alphabet.
const MRZWhitelist = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789<"

// Config carries the engine settings.
type Config struct {
	// Languages is the recognized-language set, e.g. "eng".
	Languages []string
	// PageSegMode is the Tesseract page segmentation mode. The MRZ band is
	// a single uniform block of text.
	PageSegMode gosseract.PageSegMode
	// Whitelist restricts the recognized character set.
	Whitelist string
}

// DefaultConfig returns the settings tuned for MRZ recognition.
func DefaultConfig() Config {
	return Config{
		Languages:   []string{"eng"},
		PageSegMode: gosseract.PSM_SINGLE_BLOCK,
		Whitelist:   MRZWhitelist,
	}
}

// Engine is the OCR capability: initialized once, released explicitly,
// Recognize reused across scans but never called concurrently.
type Engine interface {
	Init(ctx context.Context) error
	Recognize(ctx context.Context, image []byte) (string, error)
	Close() error
}

// TesseractEngine implements Engine over a single long-lived gosseract
// client. The mutex serializes Recognize calls: the underlying client is not
// safe for concurrent use.
type TesseractEngine struct {
	cfg    Config
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseractEngine constructs an uninitialized engine.
func NewTesseractEngine(cfg Config) *TesseractEngine {
	return &TesseractEngine{cfg: cfg}
}

// Init creates and configures the Tesseract client. Must be called once
// before the first Recognize.
func (e *TesseractEngine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client := gosseract.NewClient()
	if len(e.cfg.Languages) > 0 {
		if err := client.SetLanguage(e.cfg.Languages...); err != nil {
			client.Close()
			return fmt.Errorf("set languages: %w", err)
		}
	}
	if err := client.SetPageSegMode(e.cfg.PageSegMode); err != nil {
		client.Close()
		return fmt.Errorf("set page segmentation mode: %w", err)
	}
	if e.cfg.Whitelist != "" {
		if err := client.SetWhitelist(e.cfg.Whitelist); err != nil {
			client.Close()
			return fmt.Errorf("set whitelist: %w", err)
		}
	}

	e.client = client
	return nil
}

// Recognize runs OCR over a preprocessed, binarized image and returns the
// raw recognized text.
func (e *TesseractEngine) Recognize(ctx context.Context, image []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return "", fmt.Errorf("ocr engine not initialized")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.client.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}

// Close releases the Tesseract client.
func (e *TesseractEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
