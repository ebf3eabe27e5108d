package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/njoerd114/taskrelay/internal/config"
	"github.com/njoerd114/taskrelay/internal/convert"
	"github.com/njoerd114/taskrelay/internal/notion"
	"github.com/njoerd114/taskrelay/internal/side"
	"github.com/njoerd114/taskrelay/internal/state"
	syncp "github.com/njoerd114/taskrelay/internal/sync"
	"github.com/njoerd114/taskrelay/internal/taskwarrior"
	"github.com/njoerd114/taskrelay/internal/telemetry"
)

// Keys of the per-side settings stored with a combination.
const (
	keyTodoDB    = "todo_database"
	keyProjectDB = "project_database"
	keySyncTag   = "sync_tag"
)

// Keys excluded from change detection. The Notion edit time and the
// Taskwarrior bookkeeping dates move on every write and never carry a user
// edit of their own.
var (
	ignoreKeysNotion      = []string{"last_modified_date"}
	ignoreKeysTaskwarrior = []string{"end", "entry", "modified", "urgency"}
)

func (a *app) syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Synchronise a Notion todo database with Taskwarrior",
		UsageText: "taskrelay sync --combination NAME | --todo-db ID [--project-db ID] [--save-as NAME]",
		Description: `Runs one sync pass, or keeps syncing on an interval with --daemon.

   The first run of a combination links items with the same title on both
   sides after confirmation. Later runs propagate additions, edits and
   deletions in both directions.

   Examples:
     taskrelay sync --todo-db 0c1f... --project-db 7a2e... --save-as work
     taskrelay sync --combination work --strategy Manual
     taskrelay sync --combination work --daemon --interval 10m`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "combination", Aliases: []string{"n"}, Usage: "name of a saved combination"},
			&cli.StringFlag{Name: "todo-db", Usage: "Notion todo database id"},
			&cli.StringFlag{Name: "project-db", Usage: "Notion project database id"},
			&cli.StringFlag{Name: "save-as", Usage: "name to save the combination under"},
			&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Usage: "conflict strategy for this run: " + strategyNames()},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "link first-run matches without asking"},
			&cli.BoolFlag{Name: "daemon", Aliases: []string{"d"}, Usage: "keep syncing until interrupted"},
			&cli.DurationFlag{Name: "interval", Usage: "time between passes in daemon mode (default from config)"},
		},
		Action: a.runSync,
	}
}

func (a *app) runSync(ctx context.Context, cmd *cli.Command) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}

	interval := cfg.Interval
	if cmd.IsSet("interval") {
		interval = cmd.Duration("interval")
		if err := config.ValidateInterval(interval); err != nil {
			return fmt.Errorf("--interval: %w", err)
		}
	}

	providers, shutdown := a.setupTelemetry(ctx, cfg)
	defer shutdown()

	store, _, err := a.openStore(cfg)
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	combo, err := a.resolveCombination(ctx, cmd, cfg, store)
	if err != nil {
		return err
	}
	name := combo.Strategy
	if cmd.IsSet("strategy") {
		name = cmd.String("strategy")
	} else if name == "" {
		name = cfg.Strategy
	}
	strategy, err := syncp.ParseStrategy(name)
	if err != nil {
		return err
	}

	token, err := cfg.ResolveToken(ctx)
	if err != nil {
		return err
	}

	log := a.log.With("combination", combo.Name)
	retry := side.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     side.DefaultRetryPolicy.MaxInterval,
	}
	syncTag := combo.SideB[keySyncTag]
	if syncTag == "" {
		syncTag = cfg.Taskwarrior.SyncTag
	}

	notionSide := notion.New(a.newNotionAPI(token), notion.Options{
		TodoDatabase:     combo.SideA[keyTodoDB],
		ProjectDatabase:  combo.SideA[keyProjectDB],
		ExcludedStatuses: cfg.Notion.ExcludedStatuses,
		Retry:            retry,
	}, log)
	twSide := taskwarrior.New(a.newRunner(cfg.Taskwarrior), taskwarrior.Options{
		SyncValue: syncTag,
		Retry:     retry,
	}, log)
	conv := convert.New(notionSide, syncTag)

	agg := syncp.NewAggregator(notionSide, twSide, conv.Converters(), store, syncp.Options{
		Combination: combo.Name,
		Strategy:    strategy,
		Primary:     cfg.Primary(),
		IgnoreKeysA: ignoreKeysNotion,
		IgnoreKeysB: ignoreKeysTaskwarrior,
	}, log)

	daemon := cmd.Bool("daemon")
	if daemon {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()
	}

	bootstrap := syncp.NewBootstrap(agg, log, a.in, a.out)
	if _, err := bootstrap.Run(ctx, cmd.Bool("yes") || daemon); err != nil {
		if errors.Is(err, syncp.ErrBootstrapDeclined) {
			// Syncing now would add every unlinked match a second time.
			fmt.Fprintln(a.out, "Nothing synced. Run again and confirm to link the matching items.")
			return nil
		}
		return fmt.Errorf("first-run bootstrap: %w", err)
	}

	names := [2]string{notionSide.Name(), twSide.Name()}
	engineOpts := []syncp.EngineOption{
		syncp.WithTracerProvider(providers.Tracers),
		syncp.WithMeterProvider(providers.Meters),
	}

	if !daemon {
		engine := syncp.NewEngine(agg, interval, conflictPrompt(a.prompt, names[0], names[1]), log, engineOpts...)
		report, err := engine.RunOnce(ctx)
		printReport(a.out, report, names)
		if err != nil {
			return err
		}
		return report.Err()
	}

	// Nobody answers prompts in daemon mode; suspended passes are logged and
	// picked up again by the next tick.
	engine := syncp.NewEngine(agg, interval, nil, log, engineOpts...)
	log.Info("daemon starting", "interval", interval, "strategy", strategy)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// resolveCombination loads the combination named by --combination, or
// creates/updates the one described by --todo-db.
func (a *app) resolveCombination(ctx context.Context, cmd *cli.Command, cfg *config.Config, store *state.Store) (*state.Combination, error) {
	name := cmd.String("combination")
	todoDB := cmd.String("todo-db")

	switch {
	case name != "" && todoDB != "":
		return nil, errors.New("use either --combination or --todo-db, not both")

	case name != "":
		c, err := store.GetCombination(ctx, name)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w %q (see 'taskrelay combinations list')", state.ErrUnknownCombination, name)
		}
		return c, nil

	case todoDB != "":
		name = cmd.String("save-as")
		if name == "" {
			name = defaultCombinationName(todoDB, cfg.Taskwarrior.SyncTag)
		}
		existing, err := store.GetCombination(ctx, name)
		if err != nil {
			return nil, err
		}
		c := &state.Combination{
			Name:     name,
			SideA:    map[string]string{keyTodoDB: todoDB, keyProjectDB: cmd.String("project-db")},
			SideB:    map[string]string{keySyncTag: cfg.Taskwarrior.SyncTag},
			Strategy: cfg.Strategy,
		}
		if existing != nil {
			c.Strategy = existing.Strategy
			c.CreatedAt = existing.CreatedAt
		}
		if err := store.SaveCombination(ctx, c); err != nil {
			return nil, err
		}
		a.log.Info("combination saved", "combination", name, "todo_database", todoDB)
		return store.GetCombination(ctx, name)

	default:
		return nil, errors.New("--combination or --todo-db is required")
	}
}

// defaultCombinationName derives a stable name from the database id and the
// sync tag.
func defaultCombinationName(todoDB, syncTag string) string {
	id := strings.ReplaceAll(todoDB, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("notion-%s-%s", id, syncTag)
}

// setupTelemetry starts OTLP export when configured and routes logs to the
// collector too. Without telemetry, or when the collector cannot be set up,
// noop providers are returned. The returned func flushes and must always be
// called.
func (a *app) setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Providers, func()) {
	if cfg.Telemetry == nil {
		return telemetry.Noop(), func() {}
	}
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Headers:      cfg.Telemetry.Headers,
	})
	if err != nil {
		a.log.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return telemetry.Noop(), func() {}
	}
	a.log = providers.Logger(a.log)
	a.log.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)

	return providers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(flushCtx); err != nil {
			a.log.Error("telemetry shutdown error", "error", err)
		}
	}
}

func strategyNames() string {
	var names []string
	for _, s := range syncp.AllStrategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
