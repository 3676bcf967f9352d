package submit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "empty", raw: "", wantErr: ErrEmptyURL},
		{name: "whitespace", raw: "   ", wantErr: ErrEmptyURL},
		{name: "relative", raw: "/docs/readme.md", wantErr: ErrInvalidURL},
		{name: "ftp", raw: "ftp://example.com/readme.md", wantErr: ErrInvalidURL},
		{name: "no host", raw: "https://", wantErr: ErrInvalidURL},
		{name: "https", raw: " https://example.com/readme.md "},
		{name: "http", raw: "http://localhost:8000/a.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, err := ValidateURL(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				require.Equal(t, "url", verr.Field)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, u.Host)
		})
	}
}

func TestValidateFileMarkdown(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "notes.MD", []byte("# Title\n![a](a.png)\n"))
	info, err := ValidateFile(path, 0)
	require.NoError(t, err)
	require.True(t, info.Markdown)
	require.Equal(t, "notes.MD", info.Name)
	require.Equal(t, "text/markdown; charset=utf-8", info.ContentType)
}

func TestValidateFileImageByExtension(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "photo.jpeg", []byte{0xff, 0xd8, 0xff, 0xe0})
	info, err := ValidateFile(path, 0)
	require.NoError(t, err)
	require.False(t, info.Markdown)
	require.Equal(t, "image/jpeg", info.ContentType)
}

func TestValidateFileSniffsUnknownExtension(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")
	path := writeFile(t, "scan.bin", png)
	info, err := ValidateFile(path, 0)
	require.NoError(t, err)
	require.Equal(t, "image/png", info.ContentType)
}

func TestValidateFileRejects(t *testing.T) {
	t.Parallel()

	t.Run("text file", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateFile(writeFile(t, "notes.txt", []byte("plain text")), 0)
		require.ErrorIs(t, err, ErrUnsupportedFile)
	})
	t.Run("empty markdown", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateFile(writeFile(t, "empty.md", nil), 0)
		require.ErrorIs(t, err, ErrEmptyFile)
	})
	t.Run("too large", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateFile(writeFile(t, "big.md", []byte("0123456789")), 5)
		require.ErrorIs(t, err, ErrFileTooLarge)
	})
	t.Run("directory", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateFile(t.TempDir(), 0)
		require.ErrorIs(t, err, ErrUnsupportedFile)
	})
	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateFile(filepath.Join(t.TempDir(), "nope.md"), 0)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("blank path", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateFile(" ", 0)
		require.ErrorIs(t, err, ErrUnsupportedFile)
	})
}
