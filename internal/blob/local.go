package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/soyeahso/parley/internal/logging"
)

// Local stores attachments under a directory and serves them over HTTP.
type Local struct {
	dir      string
	baseURL  string
	maxBytes int64
	now      func() time.Time
	log      *logging.Logger
}

// NewLocal creates the directory if needed. baseURL is the public prefix the
// directory is served under; it defaults to "/blobs".
func NewLocal(dir, baseURL string, maxBytes int64, log *logging.Logger) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	if baseURL == "" {
		baseURL = "/blobs"
	}
	return &Local{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		now:      time.Now,
		log:      log.Sub("blob"),
	}, nil
}

// Put writes r to a new file. Partial files are removed on error.
func (l *Local) Put(ctx context.Context, obj Object, r io.Reader) (string, error) {
	key := objectKey("", obj, l.now())
	full := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating blob: %w", err)
	}
	n, err := io.Copy(f, limit(r, l.maxBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(full)
		return "", fmt.Errorf("writing blob: %w", err)
	}

	l.log.Debug().Str("key", key).Int64("bytes", n).Str("owner", obj.OwnerID).Msg("attachment stored")
	return l.baseURL + "/" + key, nil
}

// Handler serves stored files. Mount it under the base URL path.
func (l *Local) Handler() http.Handler {
	return http.StripPrefix(l.baseURL, http.FileServer(http.Dir(l.dir)))
}

// BaseURL returns the public prefix of stored files.
func (l *Local) BaseURL() string { return l.baseURL }
