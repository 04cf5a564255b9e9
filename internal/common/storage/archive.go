package storage

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ArchiveContentType is the content type of archives written by WriteTarZst.
const ArchiveContentType = "application/zstd"

// ArchiveEntry names one file to put into an archive.
type ArchiveEntry struct {
	Name string // name inside the archive
	Path string // path on disk
}

// WriteTarZst writes the entries as a zstd-compressed tar stream.
func WriteTarZst(w io.Writer, entries []ArchiveEntry) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer failed: %w", err)
	}
	tw := tar.NewWriter(enc)

	for _, entry := range entries {
		if err := addFile(tw, entry); err != nil {
			_ = tw.Close()
			_ = enc.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		_ = enc.Close()
		return fmt.Errorf("close tar writer failed: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd writer failed: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, entry ArchiveEntry) error {
	file, err := os.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("open %s failed: %w", entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s failed: %w", entry.Path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", entry.Path)
	}
	name := entry.Name
	if name == "" {
		name = filepath.Base(entry.Path)
	}
	hdr := &tar.Header{
		Name:    filepath.ToSlash(name),
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC().Truncate(time.Second),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header failed: %w", err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("write tar entry failed: %w", err)
	}
	return nil
}
