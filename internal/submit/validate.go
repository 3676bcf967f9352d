package submit

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Validation failures. They are always wrapped in *ValidationError.
var (
	ErrEmptyURL        = errors.New("url is empty")
	ErrInvalidURL      = errors.New("url must be an absolute http(s) URL")
	ErrUnsupportedFile = errors.New("only .md/.markdown files or images are accepted")
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file exceeds the size limit")
)

// ValidationError reports an input rejected before any network call.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var markdownExts = map[string]bool{
	".md":       true,
	".markdown": true,
}

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

var sniffedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

// FileInfo describes a file that passed validation.
type FileInfo struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
	Markdown    bool
}

// ValidateURL trims raw and requires an absolute http(s) URL with a host.
func ValidateURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ValidationError{Field: "url", Value: raw, Err: ErrEmptyURL}
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &ValidationError{Field: "url", Value: raw, Err: ErrInvalidURL}
	}
	return u, nil
}

// ValidateFile checks that path names a non-empty Markdown file or a
// supported image no larger than maxSize bytes (0 disables the limit).
func ValidateFile(path string, maxSize int64) (FileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return FileInfo{}, &ValidationError{Field: "file", Value: path, Err: ErrUnsupportedFile}
	}
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.IsDir() {
		return FileInfo{}, &ValidationError{Field: "file", Value: path, Err: ErrUnsupportedFile}
	}
	info := FileInfo{Path: path, Name: filepath.Base(path), Size: st.Size()}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case markdownExts[ext]:
		info.Markdown = true
		info.ContentType = "text/markdown; charset=utf-8"
	case imageTypes[ext] != "":
		info.ContentType = imageTypes[ext]
	default:
		ct, err := sniff(path)
		if err != nil {
			return FileInfo{}, err
		}
		if !sniffedImageTypes[ct] {
			return FileInfo{}, &ValidationError{Field: "file", Value: path, Err: ErrUnsupportedFile}
		}
		info.ContentType = ct
	}
	if info.Size == 0 {
		return FileInfo{}, &ValidationError{Field: "file", Value: path, Err: ErrEmptyFile}
	}
	if maxSize > 0 && info.Size > maxSize {
		return FileInfo{}, &ValidationError{Field: "file", Value: path, Err: ErrFileTooLarge}
	}
	return info, nil
}

func sniff(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path is supplied by the local user
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return http.DetectContentType(buf[:n]), nil
}
