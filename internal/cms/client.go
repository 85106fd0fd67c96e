package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Config identifies a Sanity project.
type Config struct {
	ProjectID  string
	Dataset    string
	APIVersion string
	Token      string
	UseCDN     bool
	CacheTTL   time.Duration
	Timeout    time.Duration
	// BaseURL overrides https://{project}.api[cdn].sanity.io, for tests.
	BaseURL string
}

// Client runs GROQ queries against the Sanity HTTP API.
type Client struct {
	cfg   Config
	http  *http.Client
	cache *cache.Cache
	base  string
}

// QueryError is a non-2xx answer from the query API.
type QueryError struct {
	StatusCode int
	Body       string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("sanity query: HTTP %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-01-01"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		host := "api"
		if cfg.UseCDN && cfg.Token == "" {
			host = "apicdn"
		}
		base = fmt.Sprintf("https://%s.%s.sanity.io", cfg.ProjectID, host)
	}
	var c *cache.Cache
	if cfg.CacheTTL > 0 {
		c = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: c,
		base:  strings.TrimRight(base, "/"),
	}
}

func (c *Client) queryURL(query string) string {
	v := strings.TrimPrefix(c.cfg.APIVersion, "v")
	return fmt.Sprintf("%s/v%s/data/query/%s?query=%s", c.base, v, url.PathEscape(c.cfg.Dataset), url.QueryEscape(query))
}

// Query runs a GROQ query and decodes its "result" into out.
func (c *Client) Query(ctx context.Context, query string, out any) error {
	if c.cache != nil {
		if raw, ok := c.cache.Get(query); ok {
			return json.Unmarshal(raw.([]byte), out)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queryURL(query), nil)
	if err != nil {
		return fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sanity query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read query response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > 512 {
			body = body[:512]
		}
		return &QueryError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Ms     int             `json:"ms"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode query response: %w", err)
	}
	log.Debug().Dur("took", time.Since(start)).Int("server_ms", envelope.Ms).Int("bytes", len(body)).Msg("sanity query")

	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode query result: %w", err)
	}
	if c.cache != nil {
		c.cache.SetDefault(query, []byte(envelope.Result))
	}
	return nil
}

// Projects lists every project, newest first.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.Query(ctx, projectsQuery, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CommercialProjects is Projects plus each project's PDF asset.
func (c *Client) CommercialProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.Query(ctx, commercialQuery, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping runs a trivial query, bypassing the cache.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queryURL(`count(*[_type == "project"])`), nil)
	if err != nil {
		return err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &QueryError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Invalidate drops cached query results.
func (c *Client) Invalidate() {
	if c.cache != nil {
		c.cache.Flush()
	}
}
