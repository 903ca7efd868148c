package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
)

// Uploader compresses finished output files into object storage under
// <target>/<date>/<file>.jsonl.gz.
type Uploader struct {
	blob   crawler.BlobStore
	target string
	clock  crawler.Clock
	logger *zap.Logger
}

// NewUploader builds an uploader. target is the key prefix, usually the
// spider or project name.
func NewUploader(blob crawler.BlobStore, target string, clock crawler.Clock, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{blob: blob, target: strings.Trim(target, "/"), clock: clock, logger: logger}
}

// Key returns the object key for localPath.
func (u *Uploader) Key(localPath string) string {
	name := filepath.Base(localPath)
	if !strings.HasSuffix(name, ".gz") {
		name += ".gz"
	}
	return path.Join(u.target, u.clock.Now().Format("2006-01-02"), name)
}

// Upload streams localPath through gzip into the blob store and deletes
// the local file once the store confirms the write. On failure the file is
// kept for the next attempt.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, f)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	key := u.Key(localPath)
	uri, err := u.blob.PutObject(ctx, key, "application/gzip", pr)
	// Unblocks the compressor if the store stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		metrics.ObserveUpload("failed")
		u.logger.Error("output upload failed, keeping local file",
			zap.String("path", localPath),
			zap.String("key", key),
			zap.Error(err),
		)
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	metrics.ObserveUpload("success")

	f.Close()
	if err := os.Remove(localPath); err != nil {
		u.logger.Warn("uploaded output could not be removed", zap.String("path", localPath), zap.Error(err))
	}
	u.logger.Info("output uploaded", zap.String("path", localPath), zap.String("uri", uri))
	return uri, nil
}
