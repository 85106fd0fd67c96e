package cms

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ImageCDNHost serves every Sanity image asset.
const ImageCDNHost = "cdn.sanity.io"

// URLBuilder maps image asset references to CDN URLs.
type URLBuilder struct {
	ProjectID string
	Dataset   string
	// Base overrides https://cdn.sanity.io, for tests.
	Base string
}

func NewURLBuilder(projectID, dataset string) *URLBuilder {
	return &URLBuilder{ProjectID: projectID, Dataset: dataset}
}

// URL returns the CDN URL of ref scaled to width with the given JPEG quality.
// Refs look like image-<id>-<w>x<h>-<ext>. Non-positive width or quality
// leaves the parameter out.
func (b *URLBuilder) URL(ref string, width, quality int) (string, error) {
	rest, ok := strings.CutPrefix(ref, "image-")
	if !ok {
		return "", fmt.Errorf("not an image reference: %q", ref)
	}
	parts := strings.Split(rest, "-")
	if len(parts) < 3 {
		return "", fmt.Errorf("malformed image reference: %q", ref)
	}
	ext := parts[len(parts)-1]
	dims := parts[len(parts)-2]
	id := strings.Join(parts[:len(parts)-2], "-")
	if id == "" || ext == "" || !validDims(dims) {
		return "", fmt.Errorf("malformed image reference: %q", ref)
	}

	base := b.Base
	if base == "" {
		base = "https://" + ImageCDNHost
	}
	u := fmt.Sprintf("%s/images/%s/%s/%s-%s.%s", strings.TrimRight(base, "/"), b.ProjectID, b.Dataset, id, dims, ext)

	q := url.Values{}
	if width > 0 {
		q.Set("w", strconv.Itoa(width))
	}
	if quality > 0 {
		q.Set("q", strconv.Itoa(quality))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

func validDims(s string) bool {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return false
	}
	_, err1 := strconv.Atoi(w)
	_, err2 := strconv.Atoi(h)
	return err1 == nil && err2 == nil
}
