package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dermalab/derma/pkg/models"
)

var ErrUnknownFormat = fmt.Errorf("unrecognized image format")

// DetectMIME sniffs the image encoding from magic bytes. It returns one of
// the supported MIME types or an empty string.
func DetectMIME(data []byte) string {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return ""
	}
}

// Load reads an image file and returns its bytes plus the sniffed MIME type.
func Load(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}

	mimeType := DetectMIME(data)
	if mimeType == "" {
		return nil, "", fmt.Errorf("%w: %s (supported: %v)", ErrUnknownFormat, path, models.SupportedMIMETypes())
	}

	return data, mimeType, nil
}

// SaveCaseImage writes a copy of the uploaded image into dir, named after
// the case it belongs to, and returns the written path.
func SaveCaseImage(dir, caseID string, data []byte, mimeType string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	path := filepath.Join(dir, caseID+extFor(mimeType))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return path, nil
}

func extFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
