package sandbox

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"inloop/internal/common/signals"
	"inloop/pkg/errors"
	"inloop/pkg/utils/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/shlex"
	"go.uber.org/zap"
)

const buildLogLimit = 64 * 1024

// ImageAPI is the subset of the Docker client used by ImageBuilder.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

// commandRunner runs argv in dir and returns its combined output.
type commandRunner func(ctx context.Context, dir string, env []string, argv []string) ([]byte, error)

// ImageBuilder builds the checker image from the task repository, either
// through the Docker API using the repository's Dockerfile or by running a
// configured build command in the repository.
type ImageBuilder struct {
	api     ImageAPI
	image   string
	command []string
	cfg     Config
	run     commandRunner

	mu     sync.Mutex
	queues map[string]*buildQueue
	wg     sync.WaitGroup
}

// buildRound is one build of a repository directory. Every caller that
// requested it receives the same result.
type buildRound struct {
	done chan struct{}
	err  error
}

// buildQueue tracks the running build of a directory and at most one
// follow-up round requested while it runs.
type buildQueue struct {
	next *buildRound
}

// NewImageBuilder creates a builder for cfg.Image.
func NewImageBuilder(api ImageAPI, cfg Config) (*ImageBuilder, error) {
	cfg.ApplyDefaults()
	b := &ImageBuilder{
		api:    api,
		image:  cfg.Image,
		cfg:    cfg,
		run:    execCommand,
		queues: make(map[string]*buildQueue),
	}
	if strings.TrimSpace(cfg.BuildCommand) != "" {
		argv, err := shlex.Split(cfg.BuildCommand)
		if err != nil {
			return nil, errors.Wrapf(err, errors.InvalidArgument, "invalid build command %q", cfg.BuildCommand)
		}
		b.command = argv
	}
	return b, nil
}

// Build builds the image from repoDir. A call made while a build of the
// same directory is running waits for one follow-up build that starts after
// the current one, so the image always reflects the directory contents at or
// after the call. Callers queued behind the same build share its result.
func (b *ImageBuilder) Build(ctx context.Context, repoDir string) error {
	return b.await(ctx, b.enqueue(ctx, repoDir))
}

// HandleRepositoryLoaded rebuilds the image in the background. Build
// failures are logged and the previous image stays in use.
func (b *ImageBuilder) HandleRepositoryLoaded(ctx context.Context, ev signals.RepositoryLoaded) {
	bg := context.WithoutCancel(ctx)
	round := b.enqueue(bg, ev.Path)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.await(bg, round); err != nil {
			logger.Error(bg, "image build failed", zap.String("image", b.image), zap.String("repo", ev.Path), zap.Error(err))
		}
	}()
}

func (b *ImageBuilder) enqueue(ctx context.Context, repoDir string) *buildRound {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[repoDir]; ok {
		if q.next == nil {
			q.next = &buildRound{done: make(chan struct{})}
		}
		return q.next
	}
	round := &buildRound{done: make(chan struct{})}
	b.queues[repoDir] = &buildQueue{}
	go b.drain(context.WithoutCancel(ctx), repoDir, round)
	return round
}

// drain runs round and then any follow-up rounds queued for repoDir.
func (b *ImageBuilder) drain(ctx context.Context, repoDir string, round *buildRound) {
	for round != nil {
		buildCtx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeout)
		round.err = b.build(buildCtx, repoDir)
		cancel()
		close(round.done)

		b.mu.Lock()
		q := b.queues[repoDir]
		round, q.next = q.next, nil
		if round == nil {
			delete(b.queues, repoDir)
		}
		b.mu.Unlock()
	}
}

func (b *ImageBuilder) await(ctx context.Context, round *buildRound) error {
	select {
	case <-round.done:
		return round.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until background builds have finished.
func (b *ImageBuilder) Wait() {
	b.wg.Wait()
}

func (b *ImageBuilder) build(ctx context.Context, repoDir string) error {
	logger.Info(ctx, "building checker image", zap.String("image", b.image), zap.String("repo", repoDir))
	if len(b.command) > 0 {
		env := append(os.Environ(), "IMAGE="+b.image)
		out, err := b.run(ctx, repoDir, env, b.command)
		if err != nil {
			return errors.Wrapf(err, errors.ImageBuildFailed, "build command failed: %s", tail(out, buildLogLimit))
		}
		logger.Info(ctx, "checker image built", zap.String("image", b.image))
		return nil
	}

	buildContext, err := archive.TarWithOptions(repoDir, &archive.TarOptions{
		ExcludePatterns: []string{".git"},
	})
	if err != nil {
		return errors.Wrapf(err, errors.ImageBuildFailed, "create build context failed")
	}
	defer buildContext.Close()

	resp, err := b.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{b.image},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return errors.Wrapf(err, errors.ImageBuildFailed, "image build request failed")
	}
	defer resp.Body.Close()

	buildLog := newBoundedBuffer(buildLogLimit)
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, buildLog, 0, false, nil); err != nil {
		return errors.Wrapf(err, errors.ImageBuildFailed, "image build failed: %s", err.Error())
	}
	logger.Debug(ctx, "image build output", zap.ByteString("output", buildLog.Bytes()))
	logger.Info(ctx, "checker image built", zap.String("image", b.image))
	return nil
}

func execCommand(ctx context.Context, dir string, env []string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	return cmd.CombinedOutput()
}

func tail(out []byte, n int) string {
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return strings.TrimSpace(string(out))
}
