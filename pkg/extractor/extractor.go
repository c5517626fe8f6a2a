// Package extractor converts uploaded file bytes into one normalized UTF-8
// text string.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/docrag/internal/types"
)

type ExtractorConfig struct {
	MaxFileSize int64
	OCRCommand  string
	OCRLanguage string
	OCRTimeout  time.Duration
	// Runner executes the OCR command; defaults to os/exec.
	Runner CommandRunner
	Logger *slog.Logger
}

type Extractor struct {
	config ExtractorConfig
	logger *slog.Logger
}

// Result is the outcome of one extraction.
type Result struct {
	Text string
	Kind Kind
	// OCRUnavailable is set when an image could not be read because no OCR
	// backend is installed. Text is empty and no error is returned.
	OCRUnavailable bool
	Metadata       map[string]any
}

func NewWithConfig(config ExtractorConfig) *Extractor {
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 100 << 20
	}
	if config.OCRCommand == "" {
		config.OCRCommand = "tesseract"
	}
	if config.OCRLanguage == "" {
		config.OCRLanguage = "eng"
	}
	if config.OCRTimeout == 0 {
		config.OCRTimeout = 2 * time.Minute
	}
	if config.Runner == nil {
		config.Runner = ExecRunner{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Extractor{config: config, logger: logger}
}

// Extract reads data according to declaredType (falling back to the
// filename extension) and returns normalized text.
func (e *Extractor) Extract(ctx context.Context, data []byte, declaredType, filename string) (Result, error) {
	kind, err := ResolveKind(declaredType, filename)
	if err != nil {
		return Result{}, err
	}
	if int64(len(data)) > e.config.MaxFileSize {
		return Result{Kind: kind}, fmt.Errorf("%w: file size %d exceeds limit %d", types.ErrInvalidInput, len(data), e.config.MaxFileSize)
	}

	res := Result{Kind: kind, Metadata: map[string]any{"format": string(kind)}}

	var text string
	switch kind {
	case KindPDF:
		var pages int
		text, pages, err = extractPDF(data)
		res.Metadata["page_count"] = pages
	case KindDOCX:
		text, err = extractDOCX(data)
	case KindText:
		text, err = decodeText(data)
	case KindMarkdown:
		text, err = extractMarkdown(data)
	case KindHTML:
		text, err = extractHTML(data)
	case KindImage:
		text, err = e.extractImage(ctx, data)
		if errors.Is(err, ErrOCRUnavailable) {
			e.logger.Warn("OCR backend unavailable, storing image without text",
				slog.String("filename", filename),
				slog.String("command", e.config.OCRCommand),
			)
			res.OCRUnavailable = true
			return res, nil
		}
	}
	if err != nil {
		return res, fmt.Errorf("%w: %s: %v", types.ErrExtractionFailed, kind, err)
	}

	res.Text = Normalize(text)
	return res, nil
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\p{Zs}]+`)
	manyNewlines    = regexp.MustCompile(`\n{3,}`)
)

// Normalize strips control characters and invalid UTF-8, collapses runs of
// horizontal whitespace to one space, trims every line and keeps at most one
// blank line between paragraphs.
func Normalize(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == utf8.RuneError:
			return -1
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		}
		return r
	}, text)

	text = horizontalSpace.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = manyNewlines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
