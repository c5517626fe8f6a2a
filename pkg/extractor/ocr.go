package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
)

// ErrOCRUnavailable is returned by a CommandRunner when the OCR binary is not
// installed.
var ErrOCRUnavailable = errors.New("OCR backend unavailable")

// CommandRunner runs an external command with stdin and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, ErrOCRUnavailable
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

func (e *Extractor) extractImage(ctx context.Context, data []byte) (string, error) {
	if !isImage(data) {
		return "", fmt.Errorf("not an image (detected %s)", http.DetectContentType(data))
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.OCRTimeout)
	defer cancel()

	out, err := e.config.Runner.Run(ctx, data, e.config.OCRCommand, "stdin", "stdout", "-l", e.config.OCRLanguage)
	if errors.Is(err, ErrOCRUnavailable) {
		return "", ErrOCRUnavailable
	}
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return string(out), nil
}

func isImage(data []byte) bool {
	if strings.HasPrefix(http.DetectContentType(data), "image/") {
		return true
	}
	// TIFF is not sniffed by net/http.
	return bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*"))
}
