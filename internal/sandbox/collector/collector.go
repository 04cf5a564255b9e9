// Package collector harvests the files a sandbox run left in its storage directory.
package collector

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
)

// Result holds the collected files by name and the names of files that were
// skipped, either for exceeding a size limit or for being unreadable.
type Result struct {
	Files   map[string]string
	Ignored []string
}

// Collect reads the immediate regular files under dir in name order.
// Subdirectories, symlinks and other special files are skipped without being
// reported. Files larger than limit bytes, files that would push the
// collected total past totalLimit bytes, and files that cannot be opened or
// read are reported in Ignored. A limit <= 0 disables the respective check.
func Collect(dir string, limit, totalLimit int64) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("read output directory failed: %w", err)
	}

	res := Result{Files: make(map[string]string, len(entries))}
	var total int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if limit > 0 && info.Size() > limit {
			res.Ignored = append(res.Ignored, entry.Name())
			continue
		}
		if totalLimit > 0 && total+info.Size() > totalLimit {
			res.Ignored = append(res.Ignored, entry.Name())
			continue
		}
		data, err := readFile(path, limit)
		if err != nil {
			res.Ignored = append(res.Ignored, entry.Name())
			continue
		}
		if totalLimit > 0 && total+int64(len(data)) > totalLimit {
			res.Ignored = append(res.Ignored, entry.Name())
			continue
		}
		total += int64(len(data))
		res.Files[entry.Name()] = DecodeUTF8(data)
	}
	sort.Strings(res.Ignored)
	return res, nil
}

// openFile opens a collected file. O_NOFOLLOW closes the window between
// Lstat and open where the file could be swapped for a symlink by the
// sandboxed process.
var openFile = func(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
}

func readFile(path string, limit int64) ([]byte, error) {
	file, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	if limit > 0 {
		reader = io.LimitReader(file, limit)
	}
	return io.ReadAll(reader)
}

// DecodeUTF8 decodes data as UTF-8, replacing invalid sequences with U+FFFD.
func DecodeUTF8(data []byte) string {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}
