package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	syncp "github.com/njoerd114/taskrelay/internal/sync"
)

// errNoInput is returned when stdin closes before a required answer.
var errNoInput = errors.New("no input")

// errAborted is returned when the user quits a conflict prompt.
var errAborted = errors.New("aborted by user")

// Prompter provides terminal prompts backed by an io.Reader/Writer pair. In
// production these are os.Stdin and os.Stdout; tests inject buffers.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// String prompts for a text value. Enter alone returns defaultVal; an empty
// defaultVal makes the answer required.
func (p *Prompter) String(label, defaultVal string) (string, error) {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		if !p.scanner.Scan() {
			if defaultVal != "" {
				return defaultVal, nil
			}
			return "", errNoInput
		}

		val := strings.TrimSpace(p.scanner.Text())
		if val == "" {
			if defaultVal != "" {
				return defaultVal, nil
			}
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
			continue
		}
		return val, nil
	}
}

// Confirm asks a yes/no question. defaultYes decides what Enter alone means.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	if !p.scanner.Scan() {
		return defaultYes
	}

	answer := strings.TrimSpace(strings.ToLower(p.scanner.Text()))
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}

// Select presents a numbered list and returns the zero-based index of the
// chosen option. Enter alone picks def.
func (p *Prompter) Select(label string, options []string, def int) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		_, _ = fmt.Fprintf(p.w, "  Choice [1-%d, default %d]: ", len(options), def+1)

		if !p.scanner.Scan() {
			return -1, errNoInput
		}

		val := strings.TrimSpace(p.scanner.Text())
		if val == "" {
			return def, nil
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > len(options) {
			_, _ = fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
			continue
		}
		return n - 1, nil
	}
}

// conflictPrompt returns a [syncp.PromptFunc] that asks which version of
// every conflicting item to keep. "A"/"B" in upper case apply the choice to
// the remaining conflicts as well.
func conflictPrompt(p *Prompter, nameA, nameB string) syncp.PromptFunc {
	return func(ctx context.Context, conflicts []syncp.Conflict) (syncp.Decisions, error) {
		decisions := make(syncp.Decisions, len(conflicts))
		_, _ = fmt.Fprintf(p.w, "\n%s\n", bold(fmt.Sprintf("%d item(s) changed on both sides since the last sync.", len(conflicts))))

		var all *syncp.Which
		for i, c := range conflicts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if all != nil {
				decisions[c.IDA] = *all
				continue
			}

			_, _ = fmt.Fprintf(p.w, "\n%s\n", header(fmt.Sprintf("Conflict %d of %d", i+1, len(conflicts))))
			_, _ = fmt.Fprintf(p.w, "  a) %-12s %q  %s\n", nameA, c.SummaryA, dim(formatWhen(c.ModifiedA)))
			_, _ = fmt.Fprintf(p.w, "  b) %-12s %q  %s\n", nameB, c.SummaryB, dim(formatWhen(c.ModifiedB)))

			w, sticky, err := p.choose()
			if err != nil {
				return nil, err
			}
			decisions[c.IDA] = w
			if sticky {
				all = &w
			}
		}
		return decisions, nil
	}
}

func (p *Prompter) choose() (syncp.Which, bool, error) {
	for {
		_, _ = fmt.Fprintf(p.w, "  Keep [a/b, A/B for all remaining, q to quit]: ")
		if !p.scanner.Scan() {
			return 0, false, errNoInput
		}
		switch strings.TrimSpace(p.scanner.Text()) {
		case "a":
			return syncp.SideA, false, nil
		case "b":
			return syncp.SideB, false, nil
		case "A":
			return syncp.SideA, true, nil
		case "B":
			return syncp.SideB, true, nil
		case "q", "Q":
			return 0, false, errAborted
		}
		_, _ = fmt.Fprintf(p.w, "  (answer a or b)\n")
	}
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never modified"
	}
	return "modified " + t.Local().Format("2006-01-02 15:04")
}
