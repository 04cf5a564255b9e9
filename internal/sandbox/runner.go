// Package sandbox runs task checks inside short-lived, locked-down Docker
// containers and builds the checker image they run.
package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"inloop/internal/sandbox/collector"
	"inloop/pkg/errors"
	"inloop/pkg/utils/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// ReturnCodeDaemonError mirrors the docker CLI exit code for failures of
	// the container runtime itself.
	ReturnCodeDaemonError = 125

	streamGrace   = 5 * time.Second
	removeTimeout = 30 * time.Second
)

// ContainerAPI is the subset of the Docker client used by Runner.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options types.ContainerAttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// Output is the outcome of one sandboxed check.
type Output struct {
	ReturnCode int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	// Files maps basenames of files the checker left in its storage
	// directory to their contents.
	Files map[string]string
}

// Runner executes checks. It is safe for concurrent use.
type Runner struct {
	api    ContainerAPI
	cfg    Config
	memory int64
	fssize string
}

// NewRunner validates cfg and creates a runner.
func NewRunner(api ContainerAPI, cfg Config) (*Runner, error) {
	cfg.ApplyDefaults()
	memory, err := cfg.MemoryBytes()
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument)
	}
	if _, err := cfg.FSSizeBytes(); err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument)
	}
	if cfg.ScratchRoot != "" && !filepath.IsAbs(cfg.ScratchRoot) {
		return nil, errors.Newf(errors.InvalidArgument, "scratch root must be absolute: %s", cfg.ScratchRoot)
	}
	return &Runner{api: api, cfg: cfg, memory: memory, fssize: cfg.FSSize}, nil
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// CheckTask runs the checker image for taskName against the read-only
// inputDir. Failures of the container runtime are reported as return code
// 125 rather than as errors; an error is returned only for invalid
// arguments, host filesystem failures and caller cancellation.
func (r *Runner) CheckTask(ctx context.Context, taskName, inputDir string) (Output, error) {
	if taskName == "" {
		return Output{}, errors.New(errors.InvalidArgument).WithMessage("task name is required")
	}
	if !filepath.IsAbs(inputDir) {
		return Output{}, errors.Newf(errors.InvalidArgument, "input directory must be absolute: %s", inputDir)
	}
	info, err := os.Stat(inputDir)
	if err != nil || !info.IsDir() {
		return Output{}, errors.Newf(errors.InvalidArgument, "input directory does not exist: %s", inputDir)
	}

	outputDir, err := os.MkdirTemp(r.cfg.ScratchRoot, "inloop-output-")
	if err != nil {
		return Output{}, errors.Wrapf(err, errors.InternalServerError, "create output directory failed")
	}
	defer func() {
		if err := os.RemoveAll(outputDir); err != nil {
			logger.Warn(ctx, "remove output directory failed", zap.String("dir", outputDir), zap.Error(err))
		}
	}()
	storageDir := filepath.Join(outputDir, StorageDir)
	if err := os.Mkdir(storageDir, 0o777); err != nil {
		return Output{}, errors.Wrapf(err, errors.InternalServerError, "create storage directory failed")
	}
	// Mkdir is subject to the umask; the checker may run as an unprivileged user.
	if err := os.Chmod(storageDir, 0o777); err != nil {
		return Output{}, errors.Wrapf(err, errors.InternalServerError, "chmod storage directory failed")
	}
	if err := checkMountpoints(inputDir, outputDir); err != nil {
		return Output{}, err
	}

	out, err := r.run(ctx, taskName, inputDir, outputDir)
	if err != nil {
		return Output{}, err
	}

	collected, err := collector.Collect(storageDir, r.cfg.FilesizeLimit, r.cfg.TotalFilesizeLimit)
	if err != nil {
		logger.Warn(ctx, "collect storage files failed", zap.Error(err))
	} else {
		out.Files = collected.Files
		if len(collected.Ignored) > 0 {
			logger.Warn(ctx, "ignored storage files",
				zap.Strings("files", collected.Ignored),
				zap.Int64("filesize_limit", r.cfg.FilesizeLimit),
				zap.Int64("total_filesize_limit", r.cfg.TotalFilesizeLimit),
			)
		}
	}
	if out.Files == nil {
		out.Files = map[string]string{}
	}

	switch out.ReturnCode {
	case 125, 126, 127:
		logger.Error(ctx, "sandbox failure",
			zap.String("task", taskName),
			zap.Int("rc", out.ReturnCode),
			zap.String("stderr", out.Stderr),
		)
	}
	return out, nil
}

func (r *Runner) run(ctx context.Context, taskName, inputDir, outputDir string) (Output, error) {
	name := "inloop-" + uuid.NewString()
	config := &container.Config{
		Image:           r.cfg.Image,
		Cmd:             []string{taskName},
		Hostname:        "localhost",
		User:            r.cfg.User,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		Labels:          map[string]string{"inloop.task": taskName},
	}
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: inputDir, Target: r.cfg.InputMount, ReadOnly: true},
			{Type: mount.TypeBind, Source: outputDir, Target: r.cfg.OutputMount},
		},
		Tmpfs: map[string]string{r.cfg.ScratchMount: "size=" + r.fssize},
		Resources: container.Resources{
			Memory:     r.memory,
			MemorySwap: r.memory,
		},
	}
	if r.cfg.PidsLimit > 0 {
		limit := r.cfg.PidsLimit
		hostConfig.Resources.PidsLimit = &limit
	}

	created, err := r.api.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return daemonFailure(err), nil
	}
	var removeOnce sync.Once
	remove := func() {
		removeOnce.Do(func() { r.remove(ctx, name) })
	}
	defer remove()

	hijack, err := r.api.ContainerAttach(ctx, created.ID, types.ContainerAttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return daemonFailure(err), nil
	}
	defer hijack.Close()

	stdout := newBoundedBuffer(r.cfg.OutputLimit)
	stderr := newBoundedBuffer(r.cfg.OutputLimit)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader); err != nil && err != io.EOF {
			logger.Debug(ctx, "attach stream ended", zap.Error(err))
		}
	}()

	started := time.Now()
	if err := r.api.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return daemonFailure(err), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	waitCh, errCh := r.api.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)

	var rc int
	select {
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			rc = ReturnCodeDaemonError
			_, _ = stderr.Write([]byte(res.Error.Message))
		} else {
			rc = int(res.StatusCode)
		}
	case err := <-errCh:
		switch {
		case ctx.Err() != nil:
			remove()
			return Output{}, ctx.Err()
		case runCtx.Err() != nil:
			logger.Warn(ctx, "check timed out, killing container",
				zap.String("container", name),
				zap.Duration("timeout", r.cfg.Timeout),
			)
			remove()
			rc = int(unix.SIGKILL)
		default:
			rc = ReturnCodeDaemonError
			_, _ = stderr.Write([]byte(err.Error()))
		}
	}
	duration := time.Since(started)

	select {
	case <-copied:
	case <-time.After(streamGrace):
		hijack.Close()
		<-copied
	}

	return Output{
		ReturnCode: rc,
		Stdout:     truncateOutput(stdout.Bytes(), r.cfg.OutputLimit),
		Stderr:     truncateOutput(stderr.Bytes(), r.cfg.OutputLimit),
		Duration:   duration,
	}, nil
}

// remove force-removes the named container; a missing container is fine.
func (r *Runner) remove(ctx context.Context, name string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	err := r.api.ContainerRemove(rmCtx, name, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Error(ctx, "remove container failed", zap.String("container", name), zap.Error(err))
	}
}

func daemonFailure(err error) Output {
	return Output{
		ReturnCode: ReturnCodeDaemonError,
		Stderr:     err.Error(),
		Files:      map[string]string{},
	}
}

// checkMountpoints rejects mount sources nested in one another.
func checkMountpoints(paths ...string) error {
	cleaned := make([]string, len(paths))
	for i, p := range paths {
		cleaned[i] = filepath.Clean(p)
	}
	for i, a := range cleaned {
		for j, b := range cleaned {
			if i != j && isSubpath(a, b) {
				return errors.Newf(errors.InvalidArgument, "mountpoint %s overlaps %s", a, b)
			}
		}
	}
	return nil
}

// isSubpath reports whether p equals base or lies below it.
func isSubpath(p, base string) bool {
	if p == base {
		return true
	}
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
