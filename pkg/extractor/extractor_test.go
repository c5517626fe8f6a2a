package extractor_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/extractor"
	"github.com/xhad/docrag/pkg/logging"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeRunner struct {
	out  []byte
	err  error
	name string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, _ []byte, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	return f.out, f.err
}

func newExtractor(runner extractor.CommandRunner) *extractor.Extractor {
	return extractor.NewWithConfig(extractor.ExtractorConfig{
		MaxFileSize: 1 << 20,
		Runner:      runner,
		Logger:      logging.Discard(),
	})
}

func createTestDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestResolveKind(t *testing.T) {
	tests := []struct {
		declared string
		filename string
		want     extractor.Kind
		wantErr  bool
	}{
		{"application/pdf", "a.pdf", extractor.KindPDF, false},
		{"pdf", "", extractor.KindPDF, false},
		{".docx", "", extractor.KindDOCX, false},
		{"text/plain; charset=utf-8", "notes.txt", extractor.KindText, false},
		{"text/plain", "README.md", extractor.KindMarkdown, false},
		{"", "scan.JPG", extractor.KindImage, false},
		{"application/octet-stream", "page.html", extractor.KindHTML, false},
		{"application/zip", "a.zip", "", true},
		{"", "noext", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.declared+"|"+tt.filename, func(t *testing.T) {
			got, err := extractor.ResolveKind(tt.declared, tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrUnsupportedType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_PlainText(t *testing.T) {
	e := newExtractor(nil)

	res, err := e.Extract(context.Background(), []byte("Hello   world.\r\n\r\n\r\n\r\nSecond\tparagraph.\x00"), "text/plain", "a.txt")

	require.NoError(t, err)
	assert.Equal(t, "Hello world.\n\nSecond paragraph.", res.Text)
	assert.Equal(t, extractor.KindText, res.Kind)
}

func TestExtract_TextEncodings(t *testing.T) {
	e := newExtractor(nil)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf8 bom", []byte("\xEF\xBB\xBFcafé"), "café"},
		{"utf16 le", []byte("\xFF\xFEh\x00i\x00"), "hi"},
		{"utf16 be", []byte("\xFE\xFF\x00h\x00i"), "hi"},
		{"windows-1252", []byte("caf\xe9 \x93quoted\x94"), "café “quoted”"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Extract(context.Background(), tt.data, "txt", "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

func TestExtract_Markdown(t *testing.T) {
	e := newExtractor(nil)
	md := "# Title\n\nSome **bold** text with a [link](http://example.com).\n\n- one\n- two\n"

	res, err := e.Extract(context.Background(), []byte(md), "text/markdown", "doc.md")

	require.NoError(t, err)
	assert.Equal(t, "Title\n\nSome bold text with a link.\n\none\ntwo", res.Text)
}

func TestExtract_HTMLKeepsMainContent(t *testing.T) {
	e := newExtractor(nil)
	page := `<html><head><title>T</title><script>var x = 1;</script></head>
<body><nav>Menu</nav><main><h1>Guide</h1><p>Hello   world</p>
<table><tr><td>a</td><td>b</td></tr></table></main>
<footer>Privacy Policy</footer></body></html>`

	res, err := e.Extract(context.Background(), []byte(page), "text/html", "")

	require.NoError(t, err)
	assert.Contains(t, res.Text, "Guide")
	assert.Contains(t, res.Text, "Hello world")
	assert.Contains(t, res.Text, "a | b")
	assert.NotContains(t, res.Text, "Menu")
	assert.NotContains(t, res.Text, "var x")
	assert.NotContains(t, res.Text, "Privacy")
}

func TestExtract_DOCXParagraphsAndTables(t *testing.T) {
	e := newExtractor(nil)
	doc := createTestDOCX(t, `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Heading</w:t></w:r><w:r><w:t xml:space="preserve"> text</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>Name</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Value</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>alpha</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>1</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:t>After table</w:t></w:r></w:p>
</w:body>
</w:document>`)

	res, err := e.Extract(context.Background(), doc, "docx", "report.docx")

	require.NoError(t, err)
	assert.Equal(t, "Heading text\n\nName | Value\nalpha | 1\n\nAfter table", res.Text)
}

func TestExtract_CorruptFiles(t *testing.T) {
	e := newExtractor(nil)

	for _, kind := range []string{"pdf", "docx"} {
		t.Run(kind, func(t *testing.T) {
			_, err := e.Extract(context.Background(), []byte("definitely not a "+kind), kind, "")
			assert.ErrorIs(t, err, types.ErrExtractionFailed)
		})
	}
}

func TestExtract_RejectsOversizedAndUnsupported(t *testing.T) {
	e := extractor.NewWithConfig(extractor.ExtractorConfig{MaxFileSize: 4, Logger: logging.Discard()})

	_, err := e.Extract(context.Background(), []byte("too large"), "text/plain", "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = e.Extract(context.Background(), []byte("x"), "application/x-msdownload", "setup.exe")
	assert.ErrorIs(t, err, types.ErrUnsupportedType)
}

func TestExtract_ImageOCR(t *testing.T) {
	runner := &fakeRunner{out: []byte("Scanned   words\n\n")}
	e := newExtractor(runner)

	res, err := e.Extract(context.Background(), pngHeader, "image/png", "scan.png")

	require.NoError(t, err)
	assert.Equal(t, "Scanned words", res.Text)
	assert.False(t, res.OCRUnavailable)
	assert.Equal(t, "tesseract", runner.name)
	assert.Equal(t, []string{"stdin", "stdout", "-l", "eng"}, runner.args)
}

func TestExtract_ImageWithoutOCRBackendIsSoftFailure(t *testing.T) {
	e := newExtractor(&fakeRunner{err: extractor.ErrOCRUnavailable})

	res, err := e.Extract(context.Background(), pngHeader, "image/png", "scan.png")

	require.NoError(t, err)
	assert.True(t, res.OCRUnavailable)
	assert.Empty(t, res.Text)
}

func TestExtract_ImageOCRFailure(t *testing.T) {
	e := newExtractor(&fakeRunner{err: errors.New("exit status 1")})

	_, err := e.Extract(context.Background(), pngHeader, "image/png", "scan.png")
	assert.ErrorIs(t, err, types.ErrExtractionFailed)

	_, err = e.Extract(context.Background(), []byte("plain text pretending"), "image/png", "scan.png")
	assert.ErrorIs(t, err, types.ErrExtractionFailed)
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "pdf", extractor.Category("application/pdf"))
	assert.Equal(t, "word", extractor.Category("application/vnd.openxmlformats-officedocument.wordprocessingml.document"))
	assert.Equal(t, "text", extractor.Category("text/markdown"))
	assert.Equal(t, "image", extractor.Category("image/jpeg"))
	assert.Equal(t, "other", extractor.Category("application/zip"))
}
