// TaskRelay keeps a Notion todo database and Taskwarrior in sync in both
// directions, with configurable conflict resolution.
//
// Usage:
//
//	taskrelay init                                  # interactive first-run setup
//	taskrelay sync --todo-db <id> [--save-as name]  # create a combination and sync it
//	taskrelay sync --combination <name> [--daemon]  # sync a saved combination
//	taskrelay combinations list|show|delete         # manage saved combinations
//	taskrelay status                                # show config and state
//	taskrelay version                               # print version
//
// Build information is injected with
// -ldflags "-X github.com/njoerd114/taskrelay/internal/cli.Version=...".
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/njoerd114/taskrelay/internal/cli"
)

func main() {
	if err := cli.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}
