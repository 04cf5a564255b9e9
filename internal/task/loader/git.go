package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const defaultSSHCommand = "ssh -o BatchMode=yes -o StrictHostKeyChecking=no"

// Git runs git subcommands in a directory.
type Git interface {
	Run(ctx context.Context, dir string, args ...string) error
}

// ExecGit runs the git binary with a constrained environment and a timeout.
type ExecGit struct {
	Timeout    time.Duration
	SSHCommand string
}

func (g ExecGit) Run(ctx context.Context, dir string, args ...string) error {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	ssh := g.SSHCommand
	if ssh == "" {
		ssh = defaultSSHCommand
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=C",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=" + ssh,
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("git %s timed out: %w", args[0], ctx.Err())
		}
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
