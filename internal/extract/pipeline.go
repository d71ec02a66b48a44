// Package extract turns a document's source bytes into plain text.
package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"readaloud/internal/apperr"
	"readaloud/internal/blob"
	"readaloud/internal/metrics"
	"readaloud/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/sirupsen/logrus"
)

type Status int

const (
	// Unsupported is a normal outcome for media types the pipeline cannot read.
	Unsupported Status = iota
	Text
	Failed
)

func (s Status) String() string {
	switch s {
	case Unsupported:
		return "unsupported"
	case Text:
		return "text"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// FailureKind tells callers why an extraction failed.
type FailureKind string

const (
	NotFound  FailureKind = "not-found"
	Encrypted FailureKind = "encrypted"
	Invalid   FailureKind = "invalid"
	Runtime   FailureKind = "runtime"
	Canceled  FailureKind = "canceled"
)

// Result is the outcome of one extraction. Text is only meaningful when
// Status is Text.
type Result struct {
	Status  Status
	Text    string
	Kind    FailureKind
	Err     error
	Pages   int
	Cached  bool
	Content string // sha256 of the source bytes
}

// Fetcher opens source bytes by location. blob.Store satisfies it.
type Fetcher interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

const defaultMaxBytes = 64 << 20

// Pipeline extracts text from stored documents. It never retries.
type Pipeline struct {
	source   Fetcher
	cache    TextCache
	maxBytes int64
}

func NewPipeline(source Fetcher, cache TextCache) *Pipeline {
	return &Pipeline{source: source, cache: cache, maxBytes: defaultMaxBytes}
}

// Supported reports whether mediaType can be extracted.
func Supported(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt == models.MediaTypePDF
}

// Extract returns the document's text. The same bytes always yield the same
// text.
func (p *Pipeline) Extract(ctx context.Context, doc models.Document) Result {
	log := logrus.WithFields(logrus.Fields{"document_id": doc.ID, "user_id": doc.OwnerID})
	if !Supported(doc.MediaType) {
		metrics.Extraction("unsupported", 0)
		return Result{Status: Unsupported}
	}
	if p == nil || p.source == nil {
		return p.fail(log, Runtime, apperr.New(apperr.Configuration, "extract-runtime", "text extraction is not configured"))
	}

	data, err := p.fetch(ctx, doc.SourceLocation)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return p.fail(log, Canceled, apperr.Wrap(apperr.Noise, "canceled", "", err))
		}
		return p.fail(log, NotFound, apperr.Wrap(apperr.Transient, "not-found", "the document could not be downloaded", err))
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if p.cache != nil {
		if e, ok := p.cache.Get(ctx, key); ok {
			metrics.Extraction("cached", 0)
			return Result{Status: Text, Text: e.Text, Pages: e.Pages, Cached: true, Content: key}
		}
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) || strings.Contains(strings.ToLower(err.Error()), "encrypt") {
			return p.fail(log, Encrypted, apperr.Wrap(apperr.Validation, "encrypted", "the document is password protected", err))
		}
		return p.fail(log, Invalid, apperr.Wrap(apperr.Validation, "invalid", "the document is not a readable PDF", err))
	}

	text, pages, err := readPages(ctx, pdfPages{reader})
	if err != nil {
		if errors.Is(err, errNoPages) {
			return p.fail(log, Invalid, apperr.Wrap(apperr.Validation, "invalid", "the document is not a readable PDF", err))
		}
		return p.fail(log, Canceled, apperr.Wrap(apperr.Noise, "canceled", "", err))
	}
	if p.cache != nil {
		p.cache.Put(ctx, key, Entry{Text: text, Pages: pages})
	}
	metrics.Extraction("text", pages)
	log.WithField("pages", pages).Debug("document extracted")
	return Result{Status: Text, Text: text, Pages: pages, Content: key}
}

func (p *Pipeline) fetch(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: empty source location", blob.ErrNotFound)
	}
	rc, err := p.source.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", p.maxBytes)
	}
	return data, nil
}

func (p *Pipeline) fail(log *logrus.Entry, kind FailureKind, err error) Result {
	if kind == Canceled {
		log.WithError(err).Debug("extraction canceled")
	} else {
		log.WithError(err).WithField("kind", string(kind)).Warn("extraction failed")
	}
	metrics.Extraction(string(kind), 0)
	return Result{Status: Failed, Kind: kind, Err: err}
}

var errNoPages = errors.New("document has no pages")

// PagePlaceholder stands in for a page the parser could not read.
func PagePlaceholder(n int) string {
	return fmt.Sprintf("[page %d could not be read]", n)
}

type pageSource interface {
	NumPage() int
	PageText(n int) (string, error)
}

// readPages reads one page at a time. Parser state for a page is dropped
// before the next one is opened.
func readPages(ctx context.Context, src pageSource) (string, int, error) {
	n := src.NumPage()
	if n <= 0 {
		return "", 0, errNoPages
	}
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		text, err := safePageText(src, i)
		if err != nil {
			logrus.WithError(err).WithField("page", i).Debug("page unreadable")
			text = PagePlaceholder(i)
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	return strings.Join(parts, "\n\n"), n, nil
}

func safePageText(src pageSource, n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: %v", n, r)
		}
	}()
	return src.PageText(n)
}

type pdfPages struct {
	r *pdf.Reader
}

func (p pdfPages) NumPage() int { return p.r.NumPage() }

func (p pdfPages) PageText(n int) (string, error) {
	page := p.r.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}
