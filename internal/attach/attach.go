// Package attach loads image files for chat attachments and avatars.
package attach

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxSize caps a single attachment. The whole file travels inline
// in one chat line, base64 encoded.
const DefaultMaxSize = 4 << 20

var (
	ErrTooLarge = errors.New("file too large")
	ErrNotImage = errors.New("file is not an image")
)

// File is a loaded attachment.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Load reads the image at path. Files larger than maxSize (DefaultMaxSize
// when maxSize is not positive) or not sniffed as image/* are rejected.
func Load(path string, maxSize int64) (*File, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat attachment: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%s is %s, limit %s: %w", filepath.Base(path), FormatSize(info.Size()), FormatSize(maxSize), ErrTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}

	contentType := DetectType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%s is %s: %w", filepath.Base(path), contentType, ErrNotImage)
	}

	return &File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// DetectType sniffs the MIME type of data.
func DetectType(data []byte) string {
	return http.DetectContentType(data)
}

// Describe renders a one-line placeholder for attachment bytes received
// over the wire, e.g. "[image/png, 12.0 KB]".
func Describe(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return fmt.Sprintf("[%s, %s]", DetectType(data), FormatSize(int64(len(data))))
}

// FormatSize renders n bytes in B, KB or MB.
func FormatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
