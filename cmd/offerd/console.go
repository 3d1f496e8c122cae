package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const consolePrompt = "offerd> "

// runConsole executes the offer commands typed while the node runs. Each
// line is parsed like a command line, e.g. "offers deactivate <id>".
func runConsole(ctx context.Context, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, consolePrompt)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			if err := execConsoleLine(ctx, line, out); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
			}
		}
		fmt.Fprint(out, consolePrompt)
	}
}

func execConsoleLine(ctx context.Context, line string, out io.Writer) error {
	root := &cobra.Command{
		Use:           "offerd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newOffersCmd())
	root.SetArgs(strings.Fields(line))
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}
