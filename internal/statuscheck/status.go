package statuscheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/local/cratere/internal/pdfcheck"
	"github.com/local/cratere/internal/preview"
)

// Pinger is anything with a cheap connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for the dependencies behind the designer.
type Checker struct {
	redis   Pinger
	storage Pinger
	cms     Pinger
	bucket  string
	async   bool
	timeout time.Duration
}

// Options configures the Checker. Nil pingers mean the subsystem is not in use.
type Options struct {
	Redis   Pinger
	Storage Pinger
	CMS     Pinger
	Bucket  string
	Async   bool
	Timeout time.Duration
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis   Status `json:"redis"`
	Storage Status `json:"storage"`
	CMS     Status `json:"cms"`
	PDF     Status `json:"pdf"`
	MuPDF   Status `json:"mupdf"`
}

// Healthy reports whether every required subsystem is up. Redis and object
// storage only count when async exports are enabled.
func (s Summary) Healthy(async bool) bool {
	if !s.CMS.OK || !s.PDF.OK || !s.MuPDF.OK {
		return false
	}
	if async && (!s.Redis.OK || !s.Storage.OK) {
		return false
	}
	return true
}

func New(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Checker{
		redis:   opts.Redis,
		storage: opts.Storage,
		cms:     opts.CMS,
		bucket:  opts.Bucket,
		async:   opts.Async,
		timeout: opts.Timeout,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	pdf, mupdf := c.checkPDF()
	return Summary{
		Redis:   c.checkRedis(ctx),
		Storage: c.checkStorage(ctx),
		CMS:     c.ping(ctx, c.cms, "Reachable", "client unavailable"),
		PDF:     pdf,
		MuPDF:   mupdf,
	}
}

// Async reports whether async exports are configured.
func (c *Checker) Async() bool { return c.async }

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: !c.async, Message: "Not configured (in-memory sessions)"}
	}
	return c.ping(ctx, c.redis, "Connected", "")
}

func (c *Checker) checkStorage(ctx context.Context) Status {
	if c.storage == nil {
		return Status{OK: true, Message: "Local directory"}
	}
	st := c.ping(ctx, c.storage, "Connected", "")
	if st.OK && c.bucket != "" {
		st.Message = fmt.Sprintf("Connected (%s)", c.bucket)
	}
	return st
}

func (c *Checker) ping(ctx context.Context, p Pinger, okMsg, missingMsg string) Status {
	if p == nil {
		return Status{OK: false, Message: missingMsg}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: okMsg}
}

// checkPDF writes a one page document, validates it with pdfcpu and renders
// it with MuPDF, covering both libraries the export path depends on.
func (c *Checker) checkPDF() (Status, Status) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.AddPage()
	doc.Rect(10, 10, 50, 50, "D")
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		msg := trimError(err)
		return Status{Message: msg}, Status{Message: "skipped: " + msg}
	}

	pdf := Status{OK: true, Message: "Available"}
	if _, err := pdfcheck.ExpectPages(buf.Bytes(), 1); err != nil {
		pdf = Status{Message: trimError(err)}
	}

	mupdf := Status{OK: true, Message: "Available"}
	if _, err := preview.RenderPage(buf.Bytes(), 1, 18, 50, preview.ColorGray); err != nil {
		mupdf = Status{Message: trimError(err)}
	}
	return pdf, mupdf
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
