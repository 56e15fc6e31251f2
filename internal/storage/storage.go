// Package storage persists dashboard exports. LocalStorage writes to the
// filesystem for development; R2Storage writes to Cloudflare R2 (or any
// S3-compatible endpoint) in production.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage stores export objects by key.
type Storage interface {
	// Put stores data at key. It fails with ErrKeyExists when the key is
	// taken and opts.Overwrite is false.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get opens the object at key. The caller closes the reader. Returns
	// ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a link to the object. Backends without public access
	// return a presigned link valid for expires.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the objects under prefix, newest first.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType is detected from the key extension when empty.
	ContentType string

	// MaxSize rejects larger objects with ErrTooLarge. Zero means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object.
	Overwrite bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// =============================================================================
// Configuration
// =============================================================================

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// LocalConfig configures filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory, e.g. ./exports.
	BasePath string

	// BaseURL is the URL prefix the directory is served under, e.g.
	// http://localhost:8080/exports.
	BaseURL string
}

// R2Config configures Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// Endpoint overrides the endpoint derived from AccountID. Used for
	// other S3-compatible stores.
	Endpoint string

	// PublicURL serves objects without presigning when set.
	PublicURL string

	// Region is required by the SDK; R2 ignores it.
	// Default: auto
	Region string
}

// Validate checks if the configuration is valid.
func (c R2Config) Validate() error {
	const op = "storage.r2.config"

	if c.AccountID == "" && c.Endpoint == "" {
		return domain.Configuration(op, "r2 account id or endpoint is required")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return domain.Configuration(op, "r2 access key id and secret are required")
	}
	if c.BucketName == "" {
		return domain.Configuration(op, "r2 bucket name is required")
	}
	return nil
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	Local    LocalConfig
	R2       R2Config
}

// Validate checks the selected provider's configuration.
func (c Config) Validate() error {
	const op = "storage.config"

	switch c.Provider {
	case ProviderLocal, "":
		if c.Local.BasePath == "" {
			return domain.Configuration(op, "local storage path is required")
		}
		return nil
	case ProviderR2:
		return c.R2.Validate()
	default:
		return domain.Configuration(op, fmt.Sprintf("storage provider must be either 'local' or 'r2', got %q", c.Provider))
	}
}

// New creates the configured Storage.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	const op = "storage.new"

	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocalStorage(cfg.Local, logger)
	case ProviderR2:
		return NewR2Storage(cfg.R2, logger)
	default:
		return nil, domain.Configuration(op, fmt.Sprintf("unknown storage provider %q", cfg.Provider))
	}
}

// =============================================================================
// Keys
// =============================================================================

// ExportPrefix is the key prefix of every export written by a session.
func ExportPrefix(sessionID uuid.UUID) string {
	return "exports/" + sessionID.String() + "/"
}

// ExportKey generates a key for one export file.
// Format: exports/{sessionID}/{20060102T150405Z}-{id}.{ext}
func ExportKey(sessionID uuid.UUID, at time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s%s-%s.%s",
		ExportPrefix(sessionID), at.UTC().Format("20060102T150405Z"), uuid.NewString()[:8], ext)
}

// validateKey rejects empty keys, absolute keys and path traversal.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return ErrInvalidKey
		}
	}
	if path.Clean(key) != key {
		return ErrInvalidKey
	}
	return nil
}
