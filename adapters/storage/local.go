// Package storage provides StorageAdapter implementations.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Skryldev/imaged/config"
	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

// Local stores images on the local filesystem, one subdirectory per bucket.
type Local struct {
	rootDir     string
	baseURL     string
	permissions os.FileMode
}

// NewLocal creates a Local storage adapter rooted at cfg.RootDir.
func NewLocal(cfg config.LocalConfig) (*Local, error) {
	perm := os.FileMode(cfg.Permissions)
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: mkdir %s: %w", cfg.RootDir, err)
	}
	base := cfg.BaseURL
	if base == "" {
		abs, err := filepath.Abs(cfg.RootDir)
		if err != nil {
			return nil, fmt.Errorf("local storage: %w", err)
		}
		base = "file://" + filepath.ToSlash(abs)
	}
	return &Local{rootDir: cfg.RootDir, baseURL: strings.TrimRight(base, "/"), permissions: perm}, nil
}

// absPath resolves key under the root, rejecting keys that escape it.
func (l *Local) absPath(key core.StorageKey) (string, error) {
	if key.Bucket == "" || key.Path == "" {
		return "", apperrors.Validation("local.put", "bucket and key must not be empty")
	}
	rel := filepath.Join(key.Bucket, filepath.FromSlash(key.Path))
	if !filepath.IsLocal(rel) {
		return "", apperrors.Validation("local.put", "key %q escapes the storage root", key.Bucket+"/"+key.Path)
	}
	return filepath.Join(l.rootDir, rel), nil
}

// Put writes data atomically and returns baseURL/bucket/key. A side-car
// JSON file records the content type and ACL when given.
func (l *Local) Put(ctx context.Context, key core.StorageKey, data []byte, opts core.PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put", err)
	}
	path, err := l.absPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put.mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put.open", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put.write", err)
	}
	if err := tmp.Chmod(l.permissions); err != nil {
		tmp.Close()
		return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put.chmod", err)
	}
	if err := tmp.Close(); err != nil {
		return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put.close", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put.rename", err)
	}

	if opts.ContentType != "" || opts.ACL != "" {
		meta, _ := json.Marshal(map[string]string{"contentType": opts.ContentType, "acl": opts.ACL})
		if err := os.WriteFile(path+".meta.json", meta, l.permissions); err != nil {
			return "", apperrors.Wrap(apperrors.CategoryStorage, "local.put.meta", err)
		}
	}
	return l.baseURL + "/" + key.Bucket + "/" + strings.TrimLeft(key.Path, "/"), nil
}
