// Package blob stores uploaded media on local disk and reports upload
// progress to the caller. The store keeps only the returned URL; the bytes
// never enter the document tree.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUploadFailed indicates the media bytes could not be stored.
var ErrUploadFailed = errors.New("blob: upload failed")

// ProgressFunc receives the fraction of bytes written so far, in [0, 1].
// A size of zero reports 1 on completion only.
type ProgressFunc func(fraction float64)

// Uploader stores a media object and returns the URL to reference it by.
type Uploader interface {
	Upload(ctx context.Context, name string, size int64, body io.Reader, progress ProgressFunc) (string, error)
}

// DirUploader writes uploads into a flat directory and serves them under a
// URL prefix. File names are randomized; the original name survives only as
// the extension.
type DirUploader struct {
	dir       string
	urlPrefix string
	logger    *zap.Logger
}

// DirUploaderConfig describes a directory-backed uploader.
type DirUploaderConfig struct {
	Dir       string
	URLPrefix string
	Logger    *zap.Logger
}

// NewDirUploader creates the upload directory when missing.
func NewDirUploader(cfg DirUploaderConfig) (*DirUploader, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("blob: upload directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create upload directory: %w", err)
	}
	prefix := cfg.URLPrefix
	if prefix == "" {
		prefix = "/media"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirUploader{dir: cfg.Dir, urlPrefix: strings.TrimRight(prefix, "/"), logger: logger}, nil
}

// Dir returns the backing directory, for mounting a static file handler.
func (u *DirUploader) Dir() string {
	return u.dir
}

// Upload streams body to disk in chunks, invoking progress after each
// chunk. A partial file left by a failed upload is removed.
func (u *DirUploader) Upload(ctx context.Context, name string, size int64, body io.Reader, progress ProgressFunc) (string, error) {
	fileName := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	target := filepath.Join(u.dir, fileName)

	file, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	written, err := u.copyWithProgress(ctx, file, body, size, progress)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		if removeErr := os.Remove(target); removeErr != nil {
			u.logger.Warn("orphaned partial upload", zap.String("path", target), zap.Error(removeErr))
		}
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	u.logger.Info("media stored",
		zap.String("file", fileName),
		zap.Int64("bytes", written))
	return path.Join(u.urlPrefix, fileName), nil
}

func (u *DirUploader) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, size int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if progress != nil && size > 0 {
				fraction := float64(written) / float64(size)
				if fraction > 1 {
					fraction = 1
				}
				progress(fraction)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}
	if progress != nil {
		progress(1)
	}
	return written, nil
}
