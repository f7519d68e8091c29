// Package blob stores message attachments and returns the reference URL that
// is saved on the message.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
)

// ErrTooLarge is returned when an attachment exceeds the configured limit.
var ErrTooLarge = &domain.Error{Kind: domain.KindValidation, Msg: "attachment too large"}

// Object describes an attachment being stored.
type Object struct {
	Name        string // original file name, used for the extension only
	ContentType string
	OwnerID     string
}

// Store persists attachment bytes.
type Store interface {
	// Put stores the contents of r and returns a URL clients can fetch.
	Put(ctx context.Context, obj Object, r io.Reader) (string, error)
}

// New builds the store selected by cfg.Store.
func New(ctx context.Context, cfg config.BlobConfig, dataDir string, log *logging.Logger) (Store, error) {
	switch cfg.Store {
	case "", "local":
		dir := cfg.Local.Dir
		if dir == "" {
			dir = filepath.Join(dataDir, "blobs")
		}
		return NewLocal(dir, cfg.Local.BaseURL, cfg.MaxBytes, log)
	case "s3":
		if cfg.S3 == nil {
			return nil, errors.New("blob: s3 store selected without s3 settings")
		}
		return NewS3(ctx, *cfg.S3, cfg.MaxBytes, log)
	default:
		return nil, fmt.Errorf("blob: unknown store %q", cfg.Store)
	}
}

// objectKey returns a unique, date-sharded key keeping a sanitized extension
// of the original name.
func objectKey(prefix string, obj Object, now time.Time) string {
	ext := strings.ToLower(path.Ext(filepath.Base(obj.Name)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	key := path.Join(now.UTC().Format("2006/01/02"), uuid.NewString()+ext)
	if prefix != "" {
		key = path.Join(strings.Trim(prefix, "/"), key)
	}
	return key
}

// limitReader fails with ErrTooLarge once more than the limit was read.
type limitReader struct {
	r    io.Reader
	left int64
}

func limit(r io.Reader, n int64) io.Reader {
	if n <= 0 {
		return r
	}
	return &limitReader{r: r, left: n}
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.left < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > l.left+1 {
		p = p[:l.left+1]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	if l.left < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
