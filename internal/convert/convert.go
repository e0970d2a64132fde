// Package convert turns input documents into a plain-text line stream.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
)

var ErrExternalConversion = errors.New("external conversion failed")

const (
	MethodText      = "text"
	MethodRaw       = "raw"
	MethodPDFToText = "pdftotext"
	MethodPandoc    = "pandoc"
	MethodNativePDF = "native_pdf"
)

// Converter picks a conversion by file extension. The zero value shells out
// to pdftotext and pandoc found on PATH.
type Converter struct {
	PDFToText string
	Pandoc    string
	// NativePDF reads PDFs in-process instead of running PDFToText.
	NativePDF bool
}

func (c Converter) pdfToText() string {
	if c.PDFToText == "" {
		return "pdftotext"
	}
	return c.PDFToText
}

func (c Converter) pandoc() string {
	if c.Pandoc == "" {
		return "pandoc"
	}
	return c.Pandoc
}

// Method reports how path would be converted.
func (c Converter) Method(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return MethodText
	case ".pdf":
		if c.NativePDF {
			return MethodNativePDF
		}
		return MethodPDFToText
	case ".docx":
		return MethodPandoc
	default:
		return MethodRaw
	}
}

// Open returns the text of path. For subprocess conversions the exit status
// is only known once the stream is drained, so Close must be checked.
func (c Converter) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	method := c.Method(path)
	logger.Log.Debug("Opening input", "path", path, "method", method)

	var (
		rc  io.ReadCloser
		err error
	)
	switch method {
	case MethodPDFToText:
		rc, err = c.run(ctx, method, c.pdfToText(), path, "-")
	case MethodPandoc:
		rc, err = c.run(ctx, method, c.pandoc(), "-f", "docx", "-t", "plain", path)
	case MethodNativePDF:
		rc, err = openNativePDF(path)
	default:
		rc, err = os.Open(path)
	}
	if err != nil {
		metrics.RecordConversion(method, err)
		return nil, err
	}
	if method == MethodText || method == MethodRaw || method == MethodNativePDF {
		metrics.RecordConversion(method, nil)
	}
	return rc, nil
}

func (c Converter) run(ctx context.Context, method, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExternalConversion, name, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to run %s: %v", ErrExternalConversion, name, err)
	}
	return &commandReader{ReadCloser: stdout, cmd: cmd, method: method, stderr: &stderr}, nil
}

// commandReader streams a subprocess's stdout and reports its exit status
// on Close.
type commandReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	method string
	stderr *bytes.Buffer
	closed bool
	err    error
}

func (r *commandReader) Close() error {
	if r.closed {
		return r.err
	}
	r.closed = true
	// Unblock a child still writing to a reader that stopped early.
	_, _ = io.Copy(io.Discard, r.ReadCloser)
	if err := r.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(r.stderr.String())
		r.err = fmt.Errorf("%w: %s: %v", ErrExternalConversion, r.cmd.Path, err)
		if msg != "" {
			r.err = fmt.Errorf("%w: %s", r.err, msg)
		}
	}
	metrics.RecordConversion(r.method, r.err)
	return r.err
}

type pdfReader struct {
	io.Reader
	f *os.File
}

func (p *pdfReader) Close() error { return p.f.Close() }

func openNativePDF(path string) (io.ReadCloser, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: pdf %s: %v", ErrExternalConversion, path, err)
	}
	text, err := r.GetPlainText()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: pdf %s: %v", ErrExternalConversion, path, err)
	}
	return &pdfReader{Reader: text, f: f}, nil
}
