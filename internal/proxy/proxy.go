package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/metrics"
)

// Config restricts what the proxy will fetch.
type Config struct {
	AllowedHosts []string
	MaxBytes     int64
	Timeout      time.Duration
	Client       *http.Client
}

// Handler serves GET ?url=<absolute url> by fetching the URL server-side and
// streaming the body back, so the browser and the exporter read cross-origin
// images as same-origin.
type Handler struct {
	allowed  map[string]bool
	maxBytes int64
	client   *http.Client
}

func New(cfg Config) *Handler {
	allowed := make(map[string]bool, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	var client http.Client
	if cfg.Client != nil {
		client = *cfg.Client
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = http.Client{Timeout: timeout}
	}
	h := &Handler{allowed: allowed, maxBytes: cfg.MaxBytes}
	client.CheckRedirect = h.checkRedirect
	h.client = &client
	return h
}

const maxRedirects = 5

// checkRedirect holds every hop to the same allow-list as the first URL.
func (h *Handler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	if _, err := h.Target(req.URL.String()); err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}

var (
	errMissingURL = errors.New("missing url parameter")
	errBadURL     = errors.New("url must be absolute http(s)")
	errForbidden  = errors.New("host not allowed")
)

// Target validates the requested URL against the allow-list.
func (h *Handler) Target(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errBadURL
	}
	if !h.allowed[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("%w: %s", errForbidden, u.Hostname())
	}
	return u, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	target, err := h.Target(r.URL.Query().Get("url"))
	switch {
	case errors.Is(err, errForbidden):
		h.fail(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "invalid url")
		return
	}
	req.Header.Set("Accept", "image/*")

	resp, err := h.client.Do(req)
	if errors.Is(err, errForbidden) {
		log.Warn().Err(err).Str("url", target.String()).Msg("image proxy refused redirect")
		h.fail(w, http.StatusForbidden, "redirect to host not allowed")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("url", target.String()).Msg("image proxy upstream error")
		h.fail(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Int("status", resp.StatusCode).Str("url", target.String()).Msg("image proxy upstream status")
		h.fail(w, http.StatusBadGateway, fmt.Sprintf("upstream status %d", resp.StatusCode))
		return
	}
	if resp.ContentLength > h.maxBytes {
		h.fail(w, http.StatusBadGateway, "upstream body too large")
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		h.fail(w, http.StatusBadGateway, "upstream read failed")
		return
	}
	if int64(len(body)) > h.maxBytes {
		h.fail(w, http.StatusBadGateway, "upstream body too large")
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(body)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	metrics.IncProxy(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(body)
	}
}

func (h *Handler) fail(w http.ResponseWriter, code int, msg string) {
	metrics.IncProxy(code)
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, msg, code)
}
