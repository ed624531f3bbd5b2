// Package extract turns uploaded resource files into prompt text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MIME types recognized by the default extractor.
const (
	MimeText    = "text/plain"
	MimeCSV     = "text/csv"
	MimeJSON    = "application/json"
	MimePDF     = "application/pdf"
	MimeXLSX    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeXLS     = "application/vnd.ms-excel"
	MimeUnknown = "application/octet-stream"
)

// ErrUnsupported is returned for formats the extractor cannot read.
var ErrUnsupported = errors.New("unsupported file format")

var extensionMime = map[string]string{
	".txt":  MimeText,
	".md":   MimeText,
	".csv":  MimeCSV,
	".json": MimeJSON,
	".pdf":  MimePDF,
	".xlsx": MimeXLSX,
	".xls":  MimeXLS,
}

type (
	// Extractor converts file content to text.
	Extractor interface {
		ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
	}

	// Default handles plain text, CSV, JSON, PDF and XLSX workbooks.
	Default struct{}
)

// DetectMimeType maps a filename extension to a MIME type.
func DetectMimeType(filename string) string {
	if m, ok := extensionMime[strings.ToLower(filepath.Ext(filename))]; ok {
		return m
	}
	return MimeUnknown
}

// ExtractText implements Extractor. Unknown types are accepted when the
// content is valid UTF-8.
func (Default) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch mimeType {
	case MimeText, MimeCSV, MimeJSON, "text/markdown":
		return decodeText(data), nil
	case MimeXLSX:
		return extractXLSX(data)
	case MimePDF:
		return extractPDF(data)
	case MimeXLS:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
}

// decodeText decodes UTF-8, falling back to Latin-1 for invalid input.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		b.WriteRune(rune(c))
	}
	return b.String()
}
