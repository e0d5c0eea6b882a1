package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/strata/internal/build"
)

var (
	compileForce  bool
	compileFormat string
)

var compileCmd = &cobra.Command{
	Use:     "compile",
	Aliases: []string{"c"},
	Short:   "Compile every collection once",
	Long: `Run a single compile pass over the collection sources and exit.

Sources whose content and artifact are unchanged are skipped. --force ignores
the compile cooldown and reloads every collection. Artifacts whose source was
removed are pruned.

Examples:
  strata compile              # Compile changed collections
  strata compile --force      # Ignore the cooldown, reload every collection
  strata compile -f json      # Print the result as JSON`,
	Args: cobra.NoArgs,
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)

	compileCmd.Flags().BoolVar(&compileForce, "force", false, "Ignore the compile cooldown and reload every collection")
	addFormatFlag(compileCmd, &compileFormat)
}

func runCompile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	container, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := container.LoadRegistry(); err != nil {
		return fmt.Errorf("failed to load compiled collections: %w", err)
	}

	result, err := container.Orchestrator.Trigger(ctx, compileForce)
	if compileFormat == FormatTable {
		printResult(cmd.OutOrStdout(), result)
	} else if werr := writeStructured(cmd.OutOrStdout(), compileFormat, result); werr != nil {
		return werr
	}
	return err
}

func printResult(w io.Writer, r build.Result) {
	fmt.Fprintln(w, r.Message)
	fmt.Fprintf(w, "  compiled: %d\n  skipped:  %d\n  pruned:   %d\n  duration: %s\n",
		r.Compiled, r.Skipped, r.Pruned, r.Duration)
	for _, f := range r.Failures {
		if f.Path != "" {
			fmt.Fprintf(w, "  failed:   %s: %s\n", f.Path, f.Message)
		} else {
			fmt.Fprintf(w, "  failed:   %s\n", f.Message)
		}
	}
}
