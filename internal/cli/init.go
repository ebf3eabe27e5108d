package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/njoerd114/taskrelay/internal/config"
	"github.com/njoerd114/taskrelay/internal/notion"
	"github.com/njoerd114/taskrelay/internal/side"
	syncp "github.com/njoerd114/taskrelay/internal/sync"
)

func (a *app) initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Interactively create the configuration file",
		Description: `Walks through Notion access, Taskwarrior settings and the conflict
   strategy, then writes config.yaml (or the file named by --config).`,
		Action: a.runInit,
	}
}

var tokenSources = []string{
	"NOTION_API_KEY environment variable",
	"Shell command that prints the token (e.g. pass show notion/token)",
	"Store the token in the config file",
}

var primarySides = []string{config.SideNotion, config.SideTaskwarrior}

func (a *app) runInit(ctx context.Context, cmd *cli.Command) error {
	w := a.out
	p := a.prompt

	_, _ = fmt.Fprintf(w, "\n%s\n", bold("Welcome to TaskRelay setup!"))
	_, _ = fmt.Fprintf(w, "This will write a configuration for syncing Taskwarrior with Notion.\n\n")

	cfgPath, _, err := configPath(cmd)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		_, _ = fmt.Fprintf(w, "  Existing config found at %s\n", cfgPath)
		if !p.Confirm("Overwrite existing configuration?", false) {
			_, _ = fmt.Fprintf(w, "\n  Keeping existing config.\n")
			return nil
		}
		_, _ = fmt.Fprintln(w)
	}

	cfg := config.Default()

	// Step 1: Notion access.
	_, _ = fmt.Fprintf(w, "%s\n", header("Step 1/4: Notion access"))
	src, err := p.Select("Where should the integration token come from?", tokenSources, 0)
	if err != nil {
		return err
	}
	switch src {
	case 1:
		if cfg.NotionTokenCommand, err = p.String("Token command", ""); err != nil {
			return err
		}
	case 2:
		if cfg.NotionToken, err = p.String("Integration token", ""); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "  %s the token is stored in plain text (file mode 0600)\n", warning("⚠"))
	}
	_, _ = fmt.Fprintln(w)

	// Step 2: Taskwarrior.
	_, _ = fmt.Fprintf(w, "%s\n", header("Step 2/4: Taskwarrior"))
	if cfg.Taskwarrior.SyncTag, err = p.String("Tag marking synced tasks", cfg.Taskwarrior.SyncTag); err != nil {
		return err
	}
	if cfg.Taskwarrior.Binary, err = p.String("task binary", "task"); err != nil {
		return err
	}
	if cfg.Taskwarrior.Binary == "task" {
		cfg.Taskwarrior.Binary = ""
	}
	_, _ = fmt.Fprintln(w)

	// Step 3: conflicts and scheduling.
	_, _ = fmt.Fprintf(w, "%s\n", header("Step 3/4: Conflicts"))
	strategies := syncp.AllStrategies()
	names := make([]string, len(strategies))
	def := 0
	for i, s := range strategies {
		names[i] = string(s)
		if string(s) == cfg.Strategy {
			def = i
		}
	}
	choice, err := p.Select("When an item changed on both sides", names, def)
	if err != nil {
		return err
	}
	cfg.Strategy = names[choice]

	choice, err = p.Select("Primary side (wins ties and links duplicates)", primarySides, 0)
	if err != nil {
		return err
	}
	cfg.PrimarySide = primarySides[choice]

	intervalStr, err := p.String("Daemon sync interval (30s to 24h)", cfg.Interval.String())
	if err != nil {
		return err
	}
	if d, parseErr := time.ParseDuration(intervalStr); parseErr == nil {
		cfg.Interval = d
	} else {
		_, _ = fmt.Fprintf(w, "  (invalid duration, using default %s)\n", cfg.Interval)
	}
	_, _ = fmt.Fprintln(w)

	// Step 4: write config.
	_, _ = fmt.Fprintf(w, "%s\n", header("Step 4/4: Save configuration"))
	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	_, _ = fmt.Fprintf(w, "  %s Config written to %s\n\n", success("✓"), cfgPath)

	if p.Confirm("Check access to a Notion todo database now?", true) {
		if err := a.checkNotion(ctx, cfg); err != nil {
			_, _ = fmt.Fprintf(w, "  %s %v\n", failure("✗"), err)
			_, _ = fmt.Fprintf(w, "  Share the database with your integration and try 'taskrelay sync' again.\n")
			return nil
		}
	}

	_, _ = fmt.Fprintf(w, "\nNext: taskrelay sync --todo-db <database id> --save-as <name>\n")
	return nil
}

// checkNotion reads the todo database once with the configured token.
func (a *app) checkNotion(ctx context.Context, cfg *config.Config) error {
	token, err := cfg.ResolveToken(ctx)
	if err != nil {
		return err
	}
	todoDB, err := a.prompt.String("Todo database id", "")
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(a.out, "  Querying Notion...")
	ns := notion.New(a.newNotionAPI(token), notion.Options{
		TodoDatabase:     todoDB,
		ExcludedStatuses: cfg.Notion.ExcludedStatuses,
		Retry:            side.RetryPolicy{MaxAttempts: 1},
	}, a.log)
	if err := ns.Start(ctx); err != nil {
		_, _ = fmt.Fprintln(a.out)
		return err
	}
	items, err := ns.GetAllItems(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(a.out)
		return err
	}
	_, _ = fmt.Fprintf(a.out, " %s %d todo(s) visible\n", success("✓"), len(items))
	return nil
}
