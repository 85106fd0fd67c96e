package images

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 120, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeFormats(t *testing.T) {
	var jbuf bytes.Buffer
	if err := jpeg.Encode(&jbuf, image.NewGray(image.Rect(0, 0, 8, 4)), nil); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		data   []byte
		format string
		w, h   int
	}{
		{"png", testPNG(t, 30, 20), FormatPNG, 30, 20},
		{"jpeg", jbuf.Bytes(), FormatJPEG, 8, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decode(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if d.Format != tt.format || d.Width != tt.w || d.Height != tt.h {
				t.Fatalf("got %s %dx%d", d.Format, d.Width, d.Height)
			}
			if !d.Embeddable() {
				t.Fatal("jpeg and png should embed as-is")
			}
		})
	}
}

func TestDecodeUnsupported(t *testing.T) {
	_, err := Decode([]byte("<html>not an image</html>"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	body := testPNG(t, 4, 4)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ProxyPath {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("url") != "https://cdn.sanity.io/images/p/d/a-4x4.png" || r.URL.Query().Get("_cb") == "" {
			t.Errorf("unexpected proxy query %q", r.URL.RawQuery)
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("missing no-cache header")
		}
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{ProxyBase: srv.URL, Attempts: 3, RetryDelay: time.Millisecond})
	got, err := f.Fetch(context.Background(), "https://cdn.sanity.io/images/p/d/a-4x4.png")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("body mismatch")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestFetchGivesUpAfterAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Attempts: 3, RetryDelay: time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL+"/img.jpg")
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want HTTPError 503", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestFetchStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFetcher(FetcherConfig{Attempts: 5, RetryDelay: time.Hour})
	start := time.Now()
	_, err := f.Fetch(ctx, srv.URL+"/img.jpg")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancelled fetch kept waiting")
	}
}

func TestProxyURLDirect(t *testing.T) {
	f := NewFetcher(FetcherConfig{})
	if got := f.ProxyURL("https://x/y.jpg"); got != "https://x/y.jpg" {
		t.Fatalf("direct url = %q", got)
	}
}
