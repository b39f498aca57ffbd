// Package export renders a transcription into a downloadable document.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/langdetect"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

const title = "Transcription Report"

// ParseFormat accepts pdf or docx in any case.
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case FormatPDF, FormatDOCX:
		return f, nil
	default:
		return "", apperr.Invalid("export", apperr.ErrUnsupportedFormat, fmt.Errorf("%q", value))
	}
}

// Metadata describes the transcription alongside its text. Confidence is
// nil when the language was not detected.
type Metadata struct {
	Language   string
	Confidence *float64
	Duration   float64
	Timestamp  string
	AudioPath  string
}

type Document struct {
	Text     string
	Metadata Metadata
}

// Validate reports the fields a document cannot be rendered without.
func (d Document) Validate() error {
	if strings.TrimSpace(d.Text) == "" || strings.TrimSpace(d.Metadata.Language) == "" {
		return apperr.Invalid("export", apperr.ErrMissingField, fmt.Errorf("text and language are required"))
	}
	return nil
}

// lines is the metadata block shared by every format.
func (d Document) lines() []string {
	m := d.Metadata
	language := m.Language
	if name := langdetect.Name(m.Language); name != m.Language {
		language = fmt.Sprintf("%s (%s)", name, m.Language)
	}
	confidence := "n/a"
	if m.Confidence != nil {
		confidence = fmt.Sprintf("%.2f%%", *m.Confidence*100)
	}
	audioPath := m.AudioPath
	if audioPath == "" {
		audioPath = "N/A"
	}
	timestamp := m.Timestamp
	if timestamp == "" {
		timestamp = "N/A"
	}
	return []string{
		"Language: " + language,
		"Confidence: " + confidence,
		fmt.Sprintf("Duration: %.2f seconds", m.Duration),
		"Timestamp: " + timestamp,
		"Audio file: " + filepath.Base(audioPath),
	}
}

// createdAt derives a stable document date from the metadata timestamp so
// identical input renders identical content.
func (d Document) createdAt() time.Time {
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", d.Metadata.Timestamp, time.UTC); err == nil {
		return ts
	}
	return time.Unix(0, 0).UTC()
}

// FileName sanitizes name and ensures it carries the format extension.
func FileName(name string, format Format) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.TrimSpace(name)))
	if base == "/" || base == "." || base == ".." {
		return "", apperr.Invalid("export", apperr.ErrMissingField, fmt.Errorf("file name %q", name))
	}
	ext := "." + string(format)
	if !strings.EqualFold(filepath.Ext(base), ext) {
		base += ext
	}
	return base, nil
}

// Render writes doc into dir under a sanitized filename and returns the path.
func Render(format Format, doc Document, dir, filename string) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	name, err := FileName(filename, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, name)
	switch format {
	case FormatPDF:
		err = RenderPDF(doc, path)
	case FormatDOCX:
		err = RenderDOCX(doc, path)
	default:
		return "", apperr.Invalid("export", apperr.ErrUnsupportedFormat, fmt.Errorf("%q", format))
	}
	if err != nil {
		return "", fmt.Errorf("render %s: %w", format, err)
	}
	return path, nil
}
