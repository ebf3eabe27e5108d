package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/njoerd114/taskrelay/internal/config"
	"github.com/njoerd114/taskrelay/internal/state"
)

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Display version and build information",
		Action: func(_ context.Context, _ *cli.Command) error {
			_, _ = fmt.Fprintf(a.out, "taskrelay version %s\n", Version)
			_, _ = fmt.Fprintf(a.out, "  commit: %s\n", Commit)
			_, _ = fmt.Fprintf(a.out, "  built: %s\n", BuildDate)
			_, _ = fmt.Fprintf(a.out, "  go: %s\n", runtime.Version())
			return nil
		},
	}
}

func (a *app) statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show configuration, state DB and combinations",
		Action: a.runStatus,
	}
}

// runStatus prints an overview. Problems are reported inline rather than
// returned so the rest of the overview still shows.
func (a *app) runStatus(ctx context.Context, cmd *cli.Command) error {
	w := a.out
	_, _ = fmt.Fprintln(w, bold("TaskRelay Status"))
	_, _ = fmt.Fprintln(w, "────────────────")

	cfgPath, _, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg := config.Default()
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		loaded, loadErr := config.Load(cfgPath)
		if loadErr == nil {
			cfg = loaded
			_, _ = fmt.Fprintf(w, "  Config:    %s %s\n", cfgPath, success("✓"))
		} else {
			_, _ = fmt.Fprintf(w, "  Config:    %s %s\n", cfgPath, failure("invalid: "+loadErr.Error()))
		}
	} else {
		_, _ = fmt.Fprintf(w, "  Config:    not found (%s), using defaults\n", cfgPath)
	}
	_, _ = fmt.Fprintf(w, "  Strategy:  %s (primary: %s)\n", cfg.Strategy, cfg.PrimarySide)
	_, _ = fmt.Fprintf(w, "  Interval:  %s\n", cfg.Interval)
	_, _ = fmt.Fprintf(w, "  Sync tag:  %s\n", cfg.Taskwarrior.SyncTag)

	if _, err := cfg.ResolveToken(ctx); err != nil {
		_, _ = fmt.Fprintf(w, "  Token:     %s\n", warning(err.Error()))
	} else {
		_, _ = fmt.Fprintf(w, "  Token:     %s\n", success("available"))
	}

	dbPath := cfg.StateDB
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return err
		}
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(w, "  State DB:  not found (%s)\n", dbPath)
		return nil
	}
	_, _ = fmt.Fprintf(w, "  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := state.Open(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(w, "  %s\n", failure(err.Error()))
		return nil
	}
	defer a.closeStore(store)

	combos, err := store.ListCombinations(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(w, "  %s\n", failure(err.Error()))
		return nil
	}
	_, _ = fmt.Fprintf(w, "  Combinations: %d\n", len(combos))
	for _, c := range combos {
		_, _ = fmt.Fprintf(w, "    %s %s\n", c.Name, dim("last sync "+lastSync(c)))
	}
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
