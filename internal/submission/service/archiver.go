package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"inloop/internal/common/signals"
	"inloop/internal/common/storage"
	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultArchiveTimeout = 2 * time.Minute

// Archiver copies submitted files to object storage as one tar.zst per
// submission. Failures are logged and never reach the submitter.
type Archiver struct {
	store     storage.ObjectStorage
	bucket    string
	mediaRoot string
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewArchiver(store storage.ObjectStorage, bucket, mediaRoot string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Archiver{store: store, bucket: bucket, mediaRoot: mediaRoot, timeout: defaultArchiveTimeout}, nil
}

// HandleSubmissionSubmitted archives the submission in the background.
func (a *Archiver) HandleSubmissionSubmitted(ctx context.Context, ev signals.SubmissionSubmitted) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.Archive(ctx, ev); err != nil {
			logger.Warn(ctx, "archive submission failed", zap.Int64("submission_id", ev.SubmissionID), zap.Error(err))
		}
	}()
}

// Wait blocks until running uploads finish.
func (a *Archiver) Wait() {
	a.wg.Wait()
}

// ObjectKey mirrors the submission directory below the media root:
// solutions/<year>/<slug>/<bucket>/<id>.tar.zst.
func (a *Archiver) ObjectKey(files []string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("submission has no files")
	}
	rel, err := filepath.Rel(a.mediaRoot, filepath.Dir(files[0]))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the media root", files[0])
	}
	return filepath.ToSlash(rel) + ".tar.zst", nil
}

// Archive uploads the files of ev unless the archive already exists.
func (a *Archiver) Archive(ctx context.Context, ev signals.SubmissionSubmitted) error {
	key, err := a.ObjectKey(ev.Files)
	if err != nil {
		return err
	}
	if _, err := a.store.StatObject(ctx, a.bucket, key); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotFound) {
		return err
	}

	entries := make([]storage.ArchiveEntry, 0, len(ev.Files))
	for _, path := range ev.Files {
		entries = append(entries, storage.ArchiveEntry{Name: filepath.Base(path), Path: path})
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(storage.WriteTarZst(pw, entries))
	}()
	err = a.store.PutObject(ctx, a.bucket, key, pr, -1, storage.ArchiveContentType)
	_ = pr.CloseWithError(err)
	if err != nil {
		return err
	}
	logger.Debug(ctx, "submission archived", zap.Int64("submission_id", ev.SubmissionID), zap.String("key", key))
	return nil
}
