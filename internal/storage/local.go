package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalDir keeps exports on disk when no bucket is configured.
type LocalDir struct {
	dir string
}

func NewLocalDir(dir string) (*LocalDir, error) {
	if dir == "" {
		dir = "exports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &LocalDir{dir: dir}, nil
}

// path maps key under the export directory. Dots inside names are fine;
// only a result outside the directory is refused.
func (l *LocalDir) path(key string) (string, error) {
	p := filepath.Join(l.dir, filepath.Clean("/"+key))
	rel, err := filepath.Rel(l.dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return p, nil
}

func (l *LocalDir) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", err
	}
	return p, nil
}

func (l *LocalDir) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// DownloadURL is always empty; the server streams local exports itself.
func (l *LocalDir) DownloadURL(context.Context, string, string) (string, error) { return "", nil }

// Cleanup removes exported PDFs older than maxAge and returns how many went.
func (l *LocalDir) Cleanup(maxAge time.Duration) int {
	now := time.Now()
	removed := 0
	_ = filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".pdf") {
			return nil
		}
		if now.Sub(info.ModTime()) >= maxAge {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		log.Info().Int("removed", removed).Str("dir", l.dir).Msg("pruned old exports")
	}
	return removed
}

// RunCleanup prunes once right away, then every interval until ctx is done.
func (l *LocalDir) RunCleanup(ctx context.Context, maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	l.Cleanup(maxAge)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(maxAge)
		}
	}
}
