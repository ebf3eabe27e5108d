// Package cli provides the command-line interface for taskrelay.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/njoerd114/taskrelay/internal/config"
	"github.com/njoerd114/taskrelay/internal/notion"
	"github.com/njoerd114/taskrelay/internal/state"
	"github.com/njoerd114/taskrelay/internal/taskwarrior"
)

var (
	// Version is the current version of the application.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the date and time of the build.
	BuildDate = "unknown"
)

// app carries the I/O streams and backend factories shared by all commands.
// Tests replace the factories with in-memory fakes.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	prompt *Prompter
	log    *slog.Logger

	newNotionAPI func(token string) notion.API
	newRunner    func(cfg config.TaskwarriorConfig) taskwarrior.Runner
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:           in,
		out:          out,
		errOut:       errOut,
		prompt:       NewPrompter(in, out),
		log:          slog.New(slog.NewTextHandler(errOut, nil)),
		newNotionAPI: notion.NewAPI,
		newRunner: func(cfg config.TaskwarriorConfig) taskwarrior.Runner {
			return taskwarrior.ExecRunner{Binary: cfg.Binary, TaskRC: cfg.TaskRC}
		},
	}
}

// Run executes the CLI application with the given context and arguments.
func Run(ctx context.Context, args []string) error {
	return newApp(os.Stdin, os.Stdout, os.Stderr).command().Run(ctx, args)
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:      "taskrelay",
		Usage:     "Two-way sync between Taskwarrior and a Notion todo database",
		Version:   Version,
		Reader:    a.in,
		Writer:    a.out,
		ErrWriter: a.errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.yaml (default ~/.config/taskrelay/config.yaml)",
				Sources: cli.EnvVars("TASKRELAY_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log output format: text or json",
				Value: "text",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "disable colored output",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("no-color") {
				color.NoColor = true
			}
			logger, err := newLogger(a.errOut, cmd.Bool("verbose"), cmd.String("log-format"))
			if err != nil {
				return ctx, err
			}
			a.log = logger
			slog.SetDefault(logger)
			return ctx, nil
		},
		Commands: []*cli.Command{
			a.initCommand(),
			a.syncCommand(),
			a.combinationsCommand(),
			a.statusCommand(),
			a.versionCommand(),
		},
	}
}

// newLogger builds the process logger. Debug level is selected by verbose.
func newLogger(w io.Writer, verbose bool, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
}

// configPath returns the --config value or the default location. explicit
// reports whether the user named the file.
func configPath(cmd *cli.Command) (path string, explicit bool, err error) {
	if p := cmd.String("config"); p != "" {
		return p, true, nil
	}
	p, err := config.DefaultPath()
	return p, false, err
}

// loadConfig reads the configuration. A missing file at the default path
// yields the defaults, so a token in the environment is enough to start.
func (a *app) loadConfig(cmd *cli.Command) (*config.Config, error) {
	path, explicit, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			a.log.Debug("no config file, using defaults", "path", path)
			return config.Default(), nil
		}
		return nil, err
	}
	a.log.Debug("config loaded", "path", path)
	return cfg, nil
}

// openStore opens the state database named in cfg or the default one.
func (a *app) openStore(cfg *config.Config) (*state.Store, string, error) {
	path := cfg.StateDB
	if path == "" {
		var err error
		if path, err = state.DefaultDBPath(); err != nil {
			return nil, "", fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("opening state DB at %q: %w", path, err)
	}
	return store, path, nil
}

func (a *app) closeStore(store *state.Store) {
	if err := store.Close(); err != nil {
		a.log.Error("closing state DB", "error", err)
	}
}
