package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"inloop/internal/admin"
	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/common/settings"
	"inloop/internal/common/signals"
	"inloop/internal/sandbox"
	submissionRepo "inloop/internal/submission/repository"
	submissionService "inloop/internal/submission/service"
	"inloop/internal/task/loader"
	taskRepo "inloop/internal/task/repository"
	"inloop/pkg/utils/logger"

	"github.com/chzyer/readline"
	"github.com/docker/docker/client"
	"github.com/urfave/cli/v3"
)

const defaultConfigPath = "configs/inloop.yaml"

var errAborted = errors.New("aborted")

// env holds the connections commands share. They are opened on first use.
type env struct {
	cfg      *AppConfig
	database *db.MySQL
	cache    *cache.RedisCache
}

func (e *env) open() error {
	if e.database == nil {
		database, err := db.NewMySQLWithConfig(&e.cfg.Database)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		e.database = database
	}
	if e.cache == nil {
		redisCache, err := cache.NewRedisCacheWithConfig(&e.cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		e.cache = redisCache
	}
	return nil
}

func (e *env) close() {
	if e.database != nil {
		_ = e.database.Close()
	}
	if e.cache != nil {
		_ = e.cache.Close()
	}
}

func (e *env) settings() *settings.Settings {
	return settings.New(settingsDefaults(e.cfg), e.cache)
}

func main() {
	e := &env{}
	defer e.close()

	app := &cli.Command{
		Name:  "inloop-admin",
		Usage: "operator commands for an inloop installation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: defaultConfigPath, Usage: "path to config file"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := loadAppConfig(cmd.String("config"))
			if err != nil {
				return ctx, err
			}
			if err := logger.Init(cfg.Logger); err != nil {
				return ctx, fmt.Errorf("init logger: %w", err)
			}
			e.cfg = cfg
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			migrateCommand(e),
			loadTasksCommand(e),
			buildImageCommand(e),
			pruneCommand(e),
			generateCommand(e),
			settingsCommand(e),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		e.close()
		os.Exit(1)
	}
}

func migrateCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create missing database tables",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := e.open(); err != nil {
				return err
			}
			if err := db.Migrate(ctx, e.database); err != nil {
				return err
			}
			fmt.Println("schema is up to date")
			return nil
		},
	}
}

func loadTasksCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "load_tasks",
		Usage: "synchronize the task repository and publish its tasks",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := e.open(); err != nil {
				return err
			}
			var opts []loader.Option
			opts = append(opts, loader.WithOrigin(e.settings()))
			if e.cfg.Loader.FailOnBuildError {
				builder, closeDocker, err := newImageBuilder(e.cfg.Sandbox)
				if err != nil {
					return err
				}
				defer closeDocker()
				opts = append(opts, loader.WithImageBuilder(builder))
			}
			tasks := taskRepo.NewTaskRepository(e.database, e.cache)
			res, err := loader.NewLoader(e.cfg.Loader, e.database, tasks, nil, opts...).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("loaded %d tasks\n", len(res.Loaded))
			for _, slug := range res.Skipped {
				fmt.Printf("skipped %s\n", slug)
			}
			return nil
		},
	}
}

func buildImageCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "build_image",
		Usage: "build the checker image from the task repository",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			builder, closeDocker, err := newImageBuilder(e.cfg.Sandbox)
			if err != nil {
				return err
			}
			defer closeDocker()
			if err := builder.Build(ctx, e.cfg.Loader.Dir); err != nil {
				return err
			}
			fmt.Printf("built image %s\n", e.cfg.Sandbox.Image)
			return nil
		},
	}
}

func newImageBuilder(cfg sandbox.Config) (*sandbox.ImageBuilder, func(), error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("init docker client: %w", err)
	}
	builder, err := sandbox.NewImageBuilder(docker, cfg)
	if err != nil {
		_ = docker.Close()
		return nil, nil, err
	}
	return builder, func() { _ = docker.Close() }, nil
}

func pruneCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "prune_solutions",
		Usage: "keep only the latest submissions of every user and task",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max_keep", Value: 5, Usage: "submissions to keep per user and task"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := e.open(); err != nil {
				return err
			}
			submissions := submissionRepo.NewSubmissionRepository(e.database, e.cache)
			pruner, err := admin.NewPruner(e.database, submissions, e.cache, e.cfg.Submission.MediaRoot)
			if err != nil {
				return err
			}
			res, err := pruner.Prune(ctx, int(cmd.Int("max_keep")))
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d submissions, removed %d directories, %d failed\n", res.Deleted, res.RemovedDirs, res.Failed)
			return nil
		},
	}
}

func generateCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "generate_submissions",
		Usage: "create demo submissions for every task",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "skip the confirmation prompt"},
			&cli.IntFlag{Name: "per-task", Value: 1, Usage: "submissions per user and task"},
			&cli.Int64SliceFlag{Name: "user", Usage: "user id to submit as (repeatable)", Value: []int64{1}},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !cmd.Bool("force") {
				ok, err := confirm("This writes demo submissions into the database. Continue? [y/N] ")
				if err != nil {
					return err
				}
				if !ok {
					return errAborted
				}
			}
			if err := e.open(); err != nil {
				return err
			}
			tasks := taskRepo.NewTaskRepository(e.database, e.cache)
			dynamic := e.settings()
			svc, err := submissionService.NewSubmissionService(submissionService.Config{
				DB:             e.database,
				SubmissionRepo: submissionRepo.NewSubmissionRepository(e.database, e.cache),
				TaskRepo:       tasks,
				Bus:            signals.NewBus(),
				Limits: submissionService.LimitsFunc(func(ctx context.Context) submissionService.Limits {
					extensions, err := dynamic.Get(ctx, settings.AllowedFilenameExtensions)
					if err != nil {
						extensions = e.cfg.Submission.AllowedExtensions
					}
					return submissionService.Limits{
						MaxSubmissions:    dynamic.Int(ctx, settings.MaxSubmissions, e.cfg.Submission.MaxSubmissions),
						DeadlineTolerance: dynamic.Seconds(ctx, settings.DeadlineTolerance, e.cfg.Submission.DeadlineTolerance),
						AllowedExtensions: extensions,
					}
				}),
				MediaRoot: e.cfg.Submission.MediaRoot,
			})
			if err != nil {
				return err
			}
			res, err := admin.NewGenerator(tasks, svc).Generate(ctx, admin.GenerateOptions{
				UserIDs: cmd.Int64Slice("user"),
				PerTask: int(cmd.Int("per-task")),
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %d submissions\n", res.Created)
			if len(res.SkippedTasks) > 0 {
				fmt.Printf("skipped tasks: %s\n", strings.Join(res.SkippedTasks, ", "))
			}
			return nil
		},
	}
}

func settingsCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "show or change runtime settings",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "print effective values",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := e.open(); err != nil {
						return err
					}
					values, err := e.settings().All(ctx)
					if err != nil {
						return err
					}
					names := make([]string, 0, len(values))
					for name := range values {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						fmt.Printf("%s=%s\n", name, values[name])
					}
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "override a setting",
				ArgsUsage: "NAME VALUE",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 2 {
						return fmt.Errorf("usage: settings set NAME VALUE")
					}
					if err := e.open(); err != nil {
						return err
					}
					return e.settings().Set(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
				},
			},
			{
				Name:      "reset",
				Usage:     "drop an override",
				ArgsUsage: "NAME",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("usage: settings reset NAME")
					}
					if err := e.open(); err != nil {
						return err
					}
					return e.settings().Reset(ctx, cmd.Args().First())
				},
			},
		},
	}
}

func confirm(prompt string) (bool, error) {
	rl, err := readline.NewEx(&readline.Config{Prompt: prompt})
	if err != nil {
		return false, err
	}
	defer rl.Close()
	line, err := rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
