package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/strata/internal/categories"
)

var (
	categoriesFormat string
	backupsFormat    string
	backupsLimit     int
)

var categoriesCmd = &cobra.Command{
	Use:     "categories",
	Aliases: []string{"cat"},
	Short:   "Inspect and replace the category tree",
}

var categoriesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the category tree",
	Long: `Print the stored category tree.

Examples:
  strata categories show            # Indented tree
  strata categories show -f json    # The stored document as JSON`,
	Args: cobra.NoArgs,
	RunE: runCategoriesShow,
}

var categoriesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the category tree from a JSON or YAML file",
	Long: `Replace the whole category tree with the contents of a file. The
current tree is backed up first. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runCategoriesImport,
}

var categoriesBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List previous versions of the category tree",
	Args:  cobra.NoArgs,
	RunE:  runCategoriesBackups,
}

func init() {
	rootCmd.AddCommand(categoriesCmd)
	categoriesCmd.AddCommand(categoriesShowCmd, categoriesImportCmd, categoriesBackupsCmd)

	addFormatFlag(categoriesShowCmd, &categoriesFormat)
	addFormatFlag(categoriesBackupsCmd, &backupsFormat)
	categoriesBackupsCmd.Flags().IntVarP(&backupsLimit, "limit", "n", 10, "Maximum number of backups to list (0 for all)")
}

func runCategoriesShow(cmd *cobra.Command, args []string) error {
	container, cleanup, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	tree, err := container.Store.Get(cmd.Context())
	if err != nil {
		return err
	}
	if categoriesFormat != FormatTable {
		return writeStructured(cmd.OutOrStdout(), categoriesFormat, tree)
	}
	printTree(cmd.OutOrStdout(), tree, 0)
	return nil
}

func runCategoriesImport(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	tree, err := parseTree(args[0], data)
	if err != nil {
		return err
	}

	container, cleanup, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	backupID, err := container.Categories.Replace(cmd.Context(), tree)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Category tree replaced (%d categories)\n", tree.Count())
	if backupID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Previous tree saved as backup %s\n", backupID)
	}
	return nil
}

func runCategoriesBackups(cmd *cobra.Command, args []string) error {
	container, cleanup, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	backups, err := container.Categories.Backups(cmd.Context(), backupsLimit)
	if err != nil {
		return err
	}
	if backupsFormat != FormatTable {
		return writeStructured(cmd.OutOrStdout(), backupsFormat, backups)
	}

	if len(backups) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backups found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tCATEGORIES")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%d\n", b.ID, b.CreatedAt.Local().Format(time.DateTime), b.Tree.Count())
	}
	return w.Flush()
}

// parseTree decodes a tree from YAML, or JSON when the file says so.
func parseTree(name string, data []byte) (categories.Tree, error) {
	var tree categories.Tree
	if strings.HasSuffix(name, ".json") {
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", name, err)
		}
	} else if err := yaml.Unmarshal(data, &tree); err != nil {
		// YAML is a superset of JSON, so stdin may carry either
		return nil, fmt.Errorf("invalid category tree in %s: %w", name, err)
	}
	if tree == nil {
		return nil, fmt.Errorf("%s does not contain a category tree", name)
	}
	return tree, nil
}

func printTree(w io.Writer, tree categories.Tree, depth int) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	indent := strings.Repeat("  ", depth)
	for _, k := range keys {
		c := tree[k]
		label := c.Label
		if label == "" {
			label = k
		}
		fmt.Fprintf(w, "%s%s [%d]", indent, label, c.ID)
		if len(c.Collections) > 0 {
			fmt.Fprintf(w, " %s", strings.Join(c.Collections, ", "))
		}
		fmt.Fprintln(w)
		printTree(w, c.Subcategories, depth+1)
	}
}
