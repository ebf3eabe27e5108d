package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/taskrelay/internal/state"
)

func (a *app) combinationsCommand() *cli.Command {
	return &cli.Command{
		Name:    "combinations",
		Aliases: []string{"combos"},
		Usage:   "Manage saved Notion ↔ Taskwarrior combinations",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List saved combinations",
				Action: a.listCombinations,
			},
			{
				Name:      "show",
				Usage:     "Print the settings of a combination",
				ArgsUsage: "NAME",
				Action:    a.showCombination,
			},
			{
				Name:      "delete",
				Usage:     "Delete a combination and its correlation state",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
				},
				Action: a.deleteCombination,
			},
		},
	}
}

func (a *app) withStore(cmd *cli.Command, fn func(*state.Store) error) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	store, _, err := a.openStore(cfg)
	if err != nil {
		return err
	}
	defer a.closeStore(store)
	return fn(store)
}

func (a *app) listCombinations(ctx context.Context, cmd *cli.Command) error {
	return a.withStore(cmd, func(store *state.Store) error {
		combos, err := store.ListCombinations(ctx)
		if err != nil {
			return err
		}
		if len(combos) == 0 {
			_, _ = fmt.Fprintln(a.out, "No combinations yet. Run 'taskrelay sync --todo-db ID' to create one.")
			return nil
		}

		tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tSTRATEGY\tTODO DATABASE\tSYNC TAG\tLAST SYNC")
		for _, c := range combos {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				c.Name, c.Strategy, c.SideA[keyTodoDB], c.SideB[keySyncTag], lastSync(c))
		}
		return tw.Flush()
	})
}

func (a *app) showCombination(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("show requires a combination name")
	}
	return a.withStore(cmd, func(store *state.Store) error {
		c, err := store.GetCombination(ctx, name)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w %q", state.ErrUnknownCombination, name)
		}
		snap, err := store.LoadSnapshot(ctx, name)
		if err != nil {
			return err
		}

		doc := map[string]any{
			"name":        c.Name,
			"strategy":    c.Strategy,
			"notion":      c.SideA,
			"taskwarrior": c.SideB,
			"generation":  c.Generation,
			"links":       len(snap.Pairs),
			"last_sync":   lastSync(c),
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding combination: %w", err)
		}
		_, err = a.out.Write(out)
		return err
	})
}

func (a *app) deleteCombination(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("delete requires a combination name")
	}
	return a.withStore(cmd, func(store *state.Store) error {
		c, err := store.GetCombination(ctx, name)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w %q", state.ErrUnknownCombination, name)
		}
		if !cmd.Bool("yes") && !a.prompt.Confirm(fmt.Sprintf("Delete combination %q and forget all links?", name), false) {
			_, _ = fmt.Fprintln(a.out, "Nothing deleted.")
			return nil
		}
		if err := store.DeleteCombination(ctx, name); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.out, "%s Deleted %s. Items on both sides are left untouched.\n", success("✓"), name)
		return nil
	})
}

func lastSync(c *state.Combination) string {
	if c.LastSyncedAt.IsZero() {
		return "never"
	}
	return c.LastSyncedAt.Local().Format("2006-01-02 15:04")
}
