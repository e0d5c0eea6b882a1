package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

var outputFormats = []string{FormatTable, FormatJSON, FormatYAML}

// formatValue is a pflag.Value restricted to a fixed set of formats.
type formatValue struct {
	value   *string
	allowed []string
}

var _ pflag.Value = (*formatValue)(nil)

func (f *formatValue) String() string { return *f.value }

func (f *formatValue) Type() string { return "format" }

func (f *formatValue) Set(s string) error {
	if err := ValidateFormat(s, f.allowed); err != nil {
		return err
	}
	*f.value = s
	return nil
}

// addFormatFlag registers --format/-f on cmd, validated against allowed.
func addFormatFlag(cmd *cobra.Command, target *string, allowed ...string) {
	if len(allowed) == 0 {
		allowed = outputFormats
	}
	*target = allowed[0]
	cmd.Flags().VarP(&formatValue{value: target, allowed: allowed}, "format", "f",
		"Output format ("+strings.Join(allowed, "|")+")")
}

// ValidateFormat reports an unsupported format, suggesting the closest match.
func ValidateFormat(format string, allowed []string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	for _, a := range allowed {
		if strings.HasPrefix(a, strings.ToLower(format)) && format != "" {
			return fmt.Errorf("invalid format %q, did you mean %q?", format, a)
		}
	}
	return fmt.Errorf("invalid format %q, must be one of: %s", format, strings.Join(allowed, ", "))
}

// writeStructured writes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported structured format: %s", format)
	}
}
