package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"greendrake/emailbuilder/internal/config"
	"greendrake/emailbuilder/internal/models"
)

// Asset rejection reasons. Both are client errors.
var (
	ErrInvalidAssetType = errors.New("invalid asset type")
	ErrAssetTooLarge    = errors.New("asset too large")
)

// IAssetStore stores uploaded images and returns where they can be fetched.
type IAssetStore interface {
	// Store writes data under a fresh unique name. size is the size declared by the
	// client, or -1 when unknown; the limit is enforced on the bytes read either way.
	Store(ctx context.Context, data io.Reader, size int64, contentType, originalName string) (*models.Asset, error)
}

// Policy is the upload acceptance rule shared by every backend.
type Policy struct {
	AllowedTypes []string
	MaxBytes     int64 // 0 disables the ceiling
}

// PolicyFromConfig builds the upload policy from configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{AllowedTypes: cfg.UploadAllowedTypes, MaxBytes: cfg.UploadMaxBytes}
}

// Check validates the declared content type and size.
func (p Policy) Check(contentType string, size int64) error {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	allowed := false
	for _, t := range p.AllowedTypes {
		if strings.EqualFold(t, mediaType) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %q is not one of %s", ErrInvalidAssetType, contentType, strings.Join(p.AllowedTypes, ", "))
	}
	if p.tooLarge(size) {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrAssetTooLarge, size, p.MaxBytes)
	}
	return nil
}

func (p Policy) tooLarge(n int64) bool {
	return p.MaxBytes > 0 && n > p.MaxBytes
}

// limit caps r one byte past the ceiling so copies can detect an oversized body.
func (p Policy) limit(r io.Reader) io.Reader {
	if p.MaxBytes <= 0 {
		return r
	}
	return io.LimitReader(r, p.MaxBytes+1)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AssetName builds the storage name <unix-nanos>-<original name>, keeping only
// the base name of the original and replacing unsafe characters.
func AssetName(at time.Time, originalName string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, `\`, "/"))
	base = unsafeNameChars.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "upload"
	}
	return fmt.Sprintf("%d-%s", at.UnixNano(), base)
}

// New selects the asset backend named in cfg.
func New(ctx context.Context, cfg *config.Config) (IAssetStore, error) {
	policy := PolicyFromConfig(cfg)
	switch cfg.AssetBackend {
	case config.AssetBackendS3:
		return NewS3Storage(ctx, cfg, policy)
	default:
		return NewDiskStorage(cfg.UploadDir, cfg.PublicBaseURL+"/uploads", policy)
	}
}
