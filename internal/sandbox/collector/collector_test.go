package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"inloop/internal/testutil"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	testutil.MustNoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCollectReturnsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", "A")
	writeFile(t, dir, "b", "B")

	first, err := Collect(dir, 1024, 0)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, first.Files, map[string]string{"a": "A", "b": "B"})
	testutil.AssertEqual(t, len(first.Ignored), 0)

	second, err := Collect(dir, 1024, 0)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, second.Files, first.Files)
}

func TestCollectSkipsDirectoriesAndSymlinks(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	writeFile(t, outside, "secret", "do not read")
	writeFile(t, dir, "report.xml", "<testsuite/>")
	testutil.MustNoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	writeFile(t, filepath.Join(dir, "nested"), "deep.txt", "deep")
	testutil.MustNoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "link")))

	res, err := Collect(dir, 1024, 0)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, res.Files, map[string]string{"report.xml": "<testsuite/>"})
	testutil.AssertEqual(t, len(res.Ignored), 0)
}

func TestCollectSizeLimitBoundary(t *testing.T) {
	dir := t.TempDir()
	const limit = 16
	writeFile(t, dir, "exact", strings.Repeat("x", limit))
	writeFile(t, dir, "over", strings.Repeat("y", limit+1))

	res, err := Collect(dir, limit, 0)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, res.Files, map[string]string{"exact": strings.Repeat("x", limit)})
	testutil.AssertEqual(t, res.Ignored, []string{"over"})
}

func TestCollectDecodesInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	testutil.MustNoError(t, os.WriteFile(filepath.Join(dir, "bin"), []byte{'o', 'k', 0xff, '!'}, 0o644))

	res, err := Collect(dir, 0, 0)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, res.Files["bin"], "ok�!")
}

func TestCollectMissingDirectory(t *testing.T) {
	_, err := Collect(filepath.Join(t.TempDir(), "missing"), 10, 0)
	testutil.AssertTrue(t, err != nil, "missing directory must fail")
}

func TestCollectTotalLimitIgnoresOverflow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", strings.Repeat("a", 6))
	writeFile(t, dir, "b", strings.Repeat("b", 6))
	writeFile(t, dir, "c", strings.Repeat("c", 4))

	res, err := Collect(dir, 8, 10)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, res.Files, map[string]string{"a": "aaaaaa", "c": "cccc"})
	testutil.AssertEqual(t, res.Ignored, []string{"b"})
}

func TestCollectTotalLimitBoundary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", "12345")
	writeFile(t, dir, "b", "67890")

	res, err := Collect(dir, 0, 10)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, res.Files, map[string]string{"a": "12345", "b": "67890"})
	testutil.AssertEqual(t, len(res.Ignored), 0)
}

func TestCollectReportsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "locked", "secret")
	writeFile(t, dir, "report.xml", "<testsuite/>")

	orig := openFile
	openFile = func(path string) (*os.File, error) {
		if filepath.Base(path) == "locked" {
			return nil, fmt.Errorf("open %s: permission denied", path)
		}
		return orig(path)
	}
	t.Cleanup(func() { openFile = orig })

	res, err := Collect(dir, 1024, 0)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, res.Files, map[string]string{"report.xml": "<testsuite/>"})
	testutil.AssertEqual(t, res.Ignored, []string{"locked"})
}
