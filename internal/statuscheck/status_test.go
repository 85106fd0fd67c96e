package statuscheck

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestSummarySyncMode(t *testing.T) {
	c := New(Options{CMS: pinger{}})
	s := c.Summary(context.Background())
	if !s.Redis.OK || !s.Storage.OK {
		t.Fatalf("unused subsystems should not fail: %+v", s)
	}
	if !s.CMS.OK || !s.PDF.OK || !s.MuPDF.OK {
		t.Fatalf("summary = %+v", s)
	}
	if !s.Healthy(false) {
		t.Fatal("expected healthy")
	}
}

func TestSummaryAsyncNeedsRedis(t *testing.T) {
	c := New(Options{CMS: pinger{}, Redis: pinger{err: errors.New("dial tcp: connection refused")}, Storage: pinger{}, Bucket: "books", Async: true})
	s := c.Summary(context.Background())
	if s.Redis.OK || !strings.Contains(s.Redis.Message, "refused") {
		t.Fatalf("redis = %+v", s.Redis)
	}
	if s.Storage.Message != "Connected (books)" {
		t.Fatalf("storage = %+v", s.Storage)
	}
	if s.Healthy(true) {
		t.Fatal("redis down must be unhealthy in async mode")
	}
}

func TestSummaryMissingCMS(t *testing.T) {
	s := New(Options{}).Summary(context.Background())
	if s.CMS.OK || s.Healthy(false) {
		t.Fatalf("summary = %+v", s)
	}
}

func TestTrimError(t *testing.T) {
	long := errors.New(strings.Repeat("x", 300))
	if got := trimError(long); len(got) != 120 {
		t.Fatalf("len = %d", len(got))
	}
	if got := trimError(context.DeadlineExceeded); got != "timeout" {
		t.Fatalf("got %q", got)
	}
	if trimError(nil) != "" {
		t.Fatal("nil error")
	}
}
