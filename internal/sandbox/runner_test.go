package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"inloop/internal/testutil"
	"inloop/pkg/errors"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type createCall struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

type fakeDocker struct {
	stdout   string
	stderr   string
	exitCode int64
	hang     bool
	files    map[string]string

	createErr error
	attachErr error
	startErr  error
	// interrupt runs before a failing attach or start returns.
	interrupt func()

	mu       sync.Mutex
	created  []createCall
	removed  []types.ContainerRemoveOptions
	names    []string
	storages []string
	streams  map[string]*io.PipeWriter
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, createCall{name: name, config: config, hostConfig: hostConfig})
	return container.CreateResponse{ID: name}, nil
}

func (f *fakeDocker) ContainerAttach(ctx context.Context, id string, _ types.ContainerAttachOptions) (types.HijackedResponse, error) {
	if f.attachErr != nil {
		if f.interrupt != nil {
			f.interrupt()
		}
		return types.HijackedResponse{}, f.attachErr
	}
	pr, pw := io.Pipe()
	f.mu.Lock()
	if f.streams == nil {
		f.streams = map[string]*io.PipeWriter{}
	}
	f.streams[id] = pw
	f.mu.Unlock()

	go func() {
		if f.stdout != "" {
			_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stdout).Write([]byte(f.stdout))
		}
		if f.stderr != "" {
			_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stderr).Write([]byte(f.stderr))
		}
		if !f.hang {
			_ = pw.Close()
		}
	}()
	conn, _ := net.Pipe()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(pr)}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ types.ContainerStartOptions) error {
	if f.startErr != nil {
		if f.interrupt != nil {
			f.interrupt()
		}
		return f.startErr
	}
	f.mu.Lock()
	var call createCall
	for _, c := range f.created {
		if c.name == id {
			call = c
		}
	}
	f.mu.Unlock()
	for _, m := range call.hostConfig.Mounts {
		if m.Target != DefaultOutputMount {
			continue
		}
		storage := filepath.Join(m.Source, StorageDir)
		f.mu.Lock()
		f.storages = append(f.storages, storage)
		f.mu.Unlock()
		for name, content := range f.files {
			if err := os.WriteFile(filepath.Join(storage, name), []byte(content), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	resCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		if f.hang {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}
		resCh <- container.WaitResponse{StatusCode: f.exitCode}
	}()
	return resCh, errCh
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options types.ContainerRemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, options)
	f.names = append(f.names, id)
	if pw, ok := f.streams[id]; ok {
		_ = pw.Close()
		delete(f.streams, id)
	}
	return nil
}

func newTestRunner(t *testing.T, api ContainerAPI, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := Config{ScratchRoot: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(api, cfg)
	testutil.MustNoError(t, err)
	return r
}

func TestCheckTaskCollectsOutput(t *testing.T) {
	fake := &fakeDocker{
		stdout: "BUILD SUCCESSFUL",
		stderr: "warning: deprecated",
		files:  map[string]string{"TEST-FibonacciTest.xml": "<testsuite/>"},
	}
	r := newTestRunner(t, fake, func(c *Config) { c.User = "1000" })
	input := t.TempDir()

	out, err := r.CheckTask(context.Background(), "fib", input)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, out.ReturnCode, 0)
	testutil.AssertEqual(t, out.Stdout, "BUILD SUCCESSFUL")
	testutil.AssertEqual(t, out.Stderr, "warning: deprecated")
	testutil.AssertEqual(t, out.Files, map[string]string{"TEST-FibonacciTest.xml": "<testsuite/>"})

	testutil.AssertEqual(t, len(fake.created), 1)
	call := fake.created[0]
	testutil.AssertEqual(t, []string(call.config.Cmd), []string{"fib"})
	testutil.AssertEqual(t, call.config.Image, defaultImage)
	testutil.AssertEqual(t, call.config.Hostname, "localhost")
	testutil.AssertEqual(t, call.config.User, "1000")
	testutil.AssertTrue(t, call.config.NetworkDisabled, "network must be disabled")
	testutil.AssertTrue(t, call.hostConfig.ReadonlyRootfs, "root filesystem must be read-only")
	testutil.AssertEqual(t, string(call.hostConfig.NetworkMode), "none")
	testutil.AssertEqual(t, call.hostConfig.Resources.Memory, int64(256*1024*1024))
	testutil.AssertEqual(t, call.hostConfig.Resources.MemorySwap, int64(256*1024*1024))
	testutil.AssertEqual(t, call.hostConfig.Tmpfs, map[string]string{DefaultScratchMount: "size=32m"})
	testutil.AssertEqual(t, call.hostConfig.Mounts[0].Source, input)
	testutil.AssertEqual(t, call.hostConfig.Mounts[0].Target, DefaultInputMount)
	testutil.AssertTrue(t, call.hostConfig.Mounts[0].ReadOnly, "input mount must be read-only")
	testutil.AssertFalse(t, call.hostConfig.Mounts[1].ReadOnly, "output mount must be writable")

	testutil.AssertEqual(t, fake.names, []string{call.name})
	testutil.AssertTrue(t, fake.removed[0].Force, "container must be force-removed")

	_, statErr := os.Stat(filepath.Dir(fake.storages[0]))
	testutil.AssertTrue(t, os.IsNotExist(statErr), "output directory must be removed")
}

func TestCheckTaskReturnsNonZeroExit(t *testing.T) {
	fake := &fakeDocker{stdout: "1 test failed", exitCode: 1}
	r := newTestRunner(t, fake, nil)

	out, err := r.CheckTask(context.Background(), "fib", t.TempDir())
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, out.ReturnCode, 1)
	testutil.AssertEqual(t, out.Files, map[string]string{})
}

func TestCheckTaskTimeoutKillsContainer(t *testing.T) {
	fake := &fakeDocker{stdout: "partial", hang: true}
	r := newTestRunner(t, fake, func(c *Config) { c.Timeout = 50 * time.Millisecond })

	start := time.Now()
	out, err := r.CheckTask(context.Background(), "loop", t.TempDir())
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, out.ReturnCode, 9)
	testutil.AssertEqual(t, out.Stdout, "partial")
	testutil.AssertTrue(t, time.Since(start) < streamGrace, "timeout must not wait for the stream grace period")
	testutil.AssertTrue(t, len(fake.names) >= 1, "container must be removed")
	testutil.AssertEqual(t, fake.names[0], fake.created[0].name)
	testutil.AssertTrue(t, fake.removed[0].Force, "container must be force-removed")
}

func TestCheckTaskCallerCancel(t *testing.T) {
	fake := &fakeDocker{hang: true}
	r := newTestRunner(t, fake, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.CheckTask(ctx, "loop", t.TempDir())
	testutil.AssertTrue(t, err != nil, "expected cancellation error")
	testutil.AssertTrue(t, len(fake.names) == 1, "container must be removed")
}

func TestCheckTaskDaemonFailure(t *testing.T) {
	fake := &fakeDocker{createErr: fmt.Errorf("No such image: inloop-tester")}
	r := newTestRunner(t, fake, nil)

	out, err := r.CheckTask(context.Background(), "fib", t.TempDir())
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, out.ReturnCode, ReturnCodeDaemonError)
	testutil.AssertTrue(t, strings.Contains(out.Stderr, "No such image"), "stderr should carry the daemon message")
}

func TestCheckTaskCancelDuringAttachOrStart(t *testing.T) {
	cases := []struct {
		name string
		fake func(cancel context.CancelFunc) *fakeDocker
	}{
		{"attach", func(cancel context.CancelFunc) *fakeDocker {
			return &fakeDocker{attachErr: context.Canceled, interrupt: cancel}
		}},
		{"start", func(cancel context.CancelFunc) *fakeDocker {
			return &fakeDocker{startErr: context.Canceled, interrupt: cancel}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			fake := tc.fake(cancel)
			r := newTestRunner(t, fake, nil)

			out, err := r.CheckTask(ctx, "fib", t.TempDir())
			testutil.AssertEqual(t, err, context.Canceled)
			testutil.AssertEqual(t, out.ReturnCode, 0)
			testutil.AssertEqual(t, len(fake.names), 1)
		})
	}
}

func TestCheckTaskStartFailureIsDaemonError(t *testing.T) {
	fake := &fakeDocker{startErr: fmt.Errorf("OCI runtime create failed")}
	r := newTestRunner(t, fake, nil)

	out, err := r.CheckTask(context.Background(), "fib", t.TempDir())
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, out.ReturnCode, ReturnCodeDaemonError)
	testutil.AssertTrue(t, strings.Contains(out.Stderr, "OCI runtime"), "stderr should carry the daemon message")
	testutil.AssertEqual(t, len(fake.names), 1)
}

func TestCheckTaskRejectsInvalidInput(t *testing.T) {
	r := newTestRunner(t, &fakeDocker{}, nil)
	missing := filepath.Join(t.TempDir(), "missing")
	file := filepath.Join(t.TempDir(), "file")
	testutil.MustNoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name     string
		taskName string
		input    string
	}{
		{name: "relative", taskName: "fib", input: "relative/dir"},
		{name: "missing", taskName: "fib", input: missing},
		{name: "not a directory", taskName: "fib", input: file},
		{name: "empty task", taskName: "", input: t.TempDir()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CheckTask(context.Background(), tt.taskName, tt.input)
			testutil.AssertTrue(t, errors.Is(err, errors.InvalidArgument), fmt.Sprintf("expected InvalidArgument, got %v", err))
		})
	}
}

func TestCheckTaskConcurrentRunsAreIsolated(t *testing.T) {
	fake := &fakeDocker{stdout: "ok"}
	scratch := t.TempDir()
	r := newTestRunner(t, fake, func(c *Config) { c.ScratchRoot = scratch })
	input := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.CheckTask(context.Background(), "fib", input)
			if err != nil || out.ReturnCode != 0 {
				t.Errorf("run failed: rc=%d err=%v", out.ReturnCode, err)
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, c := range fake.created {
		testutil.AssertFalse(t, seen[c.name], "container names must be unique")
		seen[c.name] = true
	}
	testutil.AssertEqual(t, len(seen), 4)
	entries, err := os.ReadDir(scratch)
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, len(entries), 0)
}

func TestTruncateOutputBoundary(t *testing.T) {
	const limit = 10
	exact := strings.Repeat("a", limit)
	testutil.AssertEqual(t, truncateOutput([]byte(exact), limit), exact)
	testutil.AssertEqual(t, truncateOutput([]byte(exact+"b"), limit), exact+TruncationMarker)
	testutil.AssertEqual(t, truncateOutput([]byte(exact+"b"), 0), exact+"b")
}

func TestCheckTaskTruncatesStreams(t *testing.T) {
	fake := &fakeDocker{stdout: strings.Repeat("x", 64)}
	r := newTestRunner(t, fake, func(c *Config) { c.OutputLimit = 8 })

	out, err := r.CheckTask(context.Background(), "fib", t.TempDir())
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, out.Stdout, "xxxxxxxx"+TruncationMarker)
}

func TestBoundedBufferKeepsPrefix(t *testing.T) {
	b := newBoundedBuffer(4)
	n, err := b.Write([]byte("abc"))
	testutil.MustNoError(t, err)
	testutil.AssertEqual(t, n, 3)
	n, _ = b.Write([]byte("defgh"))
	testutil.AssertEqual(t, n, 5)
	testutil.AssertTrue(t, bytes.Equal(b.Bytes(), []byte("abcde")), "buffer keeps limit+1 bytes")
}

func TestCheckMountpoints(t *testing.T) {
	tests := []struct {
		name    string
		paths   []string
		wantErr bool
	}{
		{name: "disjoint", paths: []string{"/srv/input", "/tmp/output"}},
		{name: "sibling prefix", paths: []string{"/srv/in", "/srv/input"}},
		{name: "nested", paths: []string{"/srv/input", "/srv/input/out"}, wantErr: true},
		{name: "equal", paths: []string{"/srv/input/", "/srv/input"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkMountpoints(tt.paths...)
			testutil.AssertEqual(t, err != nil, tt.wantErr)
		})
	}
}

func TestNewRunnerRejectsBadMemory(t *testing.T) {
	_, err := NewRunner(&fakeDocker{}, Config{Memory: "lots"})
	testutil.AssertTrue(t, errors.Is(err, errors.InvalidArgument), "expected InvalidArgument")
}
