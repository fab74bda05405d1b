package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"greendrake/emailbuilder/internal/models"
)

const maxNameAttempts = 5

// DiskStorage keeps assets in a local directory that the HTTP edge serves statically.
type DiskStorage struct {
	dir     string
	baseURL string
	policy  Policy
	now     func() time.Time
}

// NewDiskStorage creates dir if needed. Stored assets are reachable at baseURL/<name>.
func NewDiskStorage(dir, baseURL string, policy Policy) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory '%s': %w", dir, err)
	}
	return &DiskStorage{dir: dir, baseURL: baseURL, policy: policy, now: time.Now}, nil
}

// Dir returns the directory assets are written to.
func (s *DiskStorage) Dir() string {
	return s.dir
}

// Path returns the local path of a stored asset.
func (s *DiskStorage) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Store implements IAssetStore. Existing files are never overwritten.
func (s *DiskStorage) Store(ctx context.Context, data io.Reader, size int64, contentType, originalName string) (*models.Asset, error) {
	if err := s.policy.Check(contentType, size); err != nil {
		return nil, err
	}

	var (
		f    *os.File
		name string
		at   time.Time
		err  error
	)
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		at = s.now()
		name = AssetName(at, originalName)
		f, err = os.OpenFile(s.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil || !errors.Is(err, os.ErrExist) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create asset file: %w", err)
	}

	written, err := io.Copy(f, s.policy.limit(readerWithContext(ctx, data)))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.policy.tooLarge(written) {
		err = fmt.Errorf("%w: body exceeds the %d byte limit", ErrAssetTooLarge, s.policy.MaxBytes)
	}
	if err != nil {
		_ = os.Remove(s.Path(name))
		if errors.Is(err, ErrAssetTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to write asset '%s': %w", name, err)
	}

	logrus.WithFields(logrus.Fields{"name": name, "bytes": written}).Info("Asset stored on disk")
	return &models.Asset{
		Name:         name,
		OriginalName: originalName,
		ContentType:  contentType,
		Size:         written,
		URL:          s.baseURL + "/" + name,
		UploadedAt:   at,
	}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// readerWithContext stops a copy once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
