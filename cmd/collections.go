package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conneroisu/strata/internal/schema"
)

var (
	collectionsFormat     string
	collectionShowFormat  string
	collectionsWithFields bool
)

var collectionsCmd = &cobra.Command{
	Use:     "collections",
	Aliases: []string{"col"},
	Short:   "Inspect compiled collections",
}

var collectionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "l"},
	Short:   "List the compiled collections",
	Long: `List the collections found in the compiled output directory.
Run "strata compile" first to refresh the artifacts.

Examples:
  strata collections list               # Table of collections
  strata collections list --fields      # Include each field
  strata collections list -f yaml       # Full descriptors as YAML`,
	Args: cobra.NoArgs,
	RunE: runCollectionsList,
}

var collectionsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one collection descriptor",
	Args:  cobra.ExactArgs(1),
	RunE:  runCollectionsShow,
}

func init() {
	rootCmd.AddCommand(collectionsCmd)
	collectionsCmd.AddCommand(collectionsListCmd, collectionsShowCmd)

	addFormatFlag(collectionsListCmd, &collectionsFormat)
	collectionsListCmd.Flags().BoolVar(&collectionsWithFields, "fields", false, "Include collection fields in table output")
	addFormatFlag(collectionsShowCmd, &collectionShowFormat, FormatYAML, FormatJSON)
}

func runCollectionsList(cmd *cobra.Command, args []string) error {
	container, cleanup, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := container.LoadRegistry(); err != nil {
		return fmt.Errorf("failed to load compiled collections: %w", err)
	}

	descriptors := container.Collections.List()
	if collectionsFormat != FormatTable {
		return writeStructured(cmd.OutOrStdout(), collectionsFormat, descriptors)
	}
	return printCollectionsTable(cmd.OutOrStdout(), descriptors, collectionsWithFields)
}

func runCollectionsShow(cmd *cobra.Command, args []string) error {
	container, cleanup, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := container.LoadRegistry(); err != nil {
		return fmt.Errorf("failed to load compiled collections: %w", err)
	}

	desc, err := container.Collections.Collection(args[0])
	if err != nil {
		return err
	}
	return writeStructured(cmd.OutOrStdout(), collectionShowFormat, desc)
}

func printCollectionsTable(out io.Writer, descriptors []*schema.CollectionDescriptor, withFields bool) error {
	if len(descriptors) == 0 {
		fmt.Fprintln(out, "No collections found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if withFields {
		fmt.Fprintln(w, "NAME\tLABEL\tSOURCE\tFIELDS")
	} else {
		fmt.Fprintln(w, "NAME\tLABEL\tSOURCE\tFIELD COUNT")
	}
	for _, d := range descriptors {
		if withFields {
			fields := make([]string, len(d.Fields))
			for i, f := range d.Fields {
				fields[i] = f.Name + ":" + f.Type
				if f.Required {
					fields[i] += "!"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Label, d.Source, strings.Join(fields, ", "))
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.Name, d.Label, d.Source, len(d.Fields))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal: %d collections\n", len(descriptors))
	return nil
}
