package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var errNoDocumentXML = errors.New("word/document.xml not found")

func extractDOCX(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()
		return parseDocumentXML(rc)
	}

	return "", errNoDocumentXML
}

// parseDocumentXML walks the body in document order. Paragraphs become lines,
// and each table row becomes one line of cells joined by " | ".
func parseDocumentXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		out     strings.Builder
		para    strings.Builder
		cells   []string
		depth   int // table nesting
		inText  bool
		inRun   bool
		cellBuf strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "r":
				inRun = true
			case "t":
				inText = inRun
			case "tab":
				if inRun {
					para.WriteByte('\t')
				}
			case "br", "cr":
				if inRun {
					para.WriteByte('\n')
				}
			case "tbl":
				depth++
			case "tr":
				if depth == 1 {
					cells = cells[:0]
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				inRun = false
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				para.Reset()
				if depth > 0 {
					if text != "" {
						if cellBuf.Len() > 0 {
							cellBuf.WriteByte(' ')
						}
						cellBuf.WriteString(text)
					}
					continue
				}
				if text != "" {
					out.WriteString(text)
					out.WriteString("\n\n")
				}
			case "tc":
				if depth == 1 {
					cells = append(cells, cellBuf.String())
					cellBuf.Reset()
				}
			case "tr":
				if depth == 1 && len(cells) > 0 {
					out.WriteString(strings.Join(cells, " | "))
					out.WriteByte('\n')
				}
			case "tbl":
				depth--
				if depth == 0 {
					out.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}

	return strings.TrimSpace(out.String()), nil
}
