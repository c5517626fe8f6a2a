package extractor

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/xhad/docrag/internal/types"
)

// Kind is a supported source format.
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindDOCX     Kind = "docx"
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindHTML     Kind = "html"
	KindImage    Kind = "image"
)

const mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var mimeKinds = map[string]Kind{
	"application/pdf": KindPDF,
	mimeDOCX:          KindDOCX,
	"text/plain":      KindText,
	"text/markdown":   KindMarkdown,
	"text/x-markdown": KindMarkdown,
	"text/html":       KindHTML,
	"image/png":       KindImage,
	"image/jpeg":      KindImage,
	"image/jpg":       KindImage,
	"image/tiff":      KindImage,
}

var extKinds = map[string]Kind{
	".pdf":      KindPDF,
	".docx":     KindDOCX,
	".txt":      KindText,
	".text":     KindText,
	".md":       KindMarkdown,
	".markdown": KindMarkdown,
	".html":     KindHTML,
	".htm":      KindHTML,
	".png":      KindImage,
	".jpg":      KindImage,
	".jpeg":     KindImage,
	".tif":      KindImage,
	".tiff":     KindImage,
}

// MIMEType is the canonical type tag stored on documents of each kind.
var MIMEType = map[Kind]string{
	KindPDF:      "application/pdf",
	KindDOCX:     mimeDOCX,
	KindText:     "text/plain",
	KindMarkdown: "text/markdown",
	KindHTML:     "text/html",
	KindImage:    "image/png",
}

// ResolveKind maps a declared type (MIME type, extension or bare kind name)
// to a Kind. When the declaration is empty or generic the filename extension
// decides.
func ResolveKind(declared, filename string) (Kind, error) {
	d := strings.ToLower(strings.TrimSpace(declared))
	if mt, _, err := mime.ParseMediaType(d); err == nil {
		d = mt
	}

	if k, ok := mimeKinds[d]; ok {
		// Markdown is often uploaded as text/plain.
		if k == KindText && extKinds[strings.ToLower(filepath.Ext(filename))] == KindMarkdown {
			return KindMarkdown, nil
		}
		return k, nil
	}
	if k, ok := extKinds[d]; ok {
		return k, nil
	}
	if k, ok := extKinds["."+d]; ok {
		return k, nil
	}
	switch Kind(d) {
	case KindPDF, KindDOCX, KindText, KindMarkdown, KindHTML, KindImage:
		return Kind(d), nil
	}

	if d == "" || d == "application/octet-stream" {
		if k, ok := extKinds[strings.ToLower(filepath.Ext(filename))]; ok {
			return k, nil
		}
	}

	return "", fmt.Errorf("%w: %q", types.ErrUnsupportedType, declared)
}

// Category groups kinds the way search filters name them.
func Category(fileType string) string {
	k, err := ResolveKind(fileType, "")
	if err != nil {
		return "other"
	}
	switch k {
	case KindDOCX:
		return "word"
	case KindText, KindMarkdown:
		return "text"
	default:
		return string(k)
	}
}
