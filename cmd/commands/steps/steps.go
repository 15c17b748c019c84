// Package steps implements "benchctl steps", which documents the
// registered step kinds and checks plan files.
package steps

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"nathanbeddoewebdev/benchctl/internal/plan"
	"nathanbeddoewebdev/benchctl/internal/styles"

	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Inspect step kinds and plan files",
		Long: `Inspect the step kinds a plan can use and check plan files.

Examples:
  benchctl steps list
  benchctl steps show benchmark
  benchctl steps template shell benchmark > plan.yaml
  benchctl steps validate plan.yaml`,
	}

	cmd.AddCommand(listCommand())
	cmd.AddCommand(showCommand())
	cmd.AddCommand(templateCommand())
	cmd.AddCommand(validateCommand())

	return cmd
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registered step kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tDESCRIPTION")
			for _, k := range plan.List() {
				fmt.Fprintf(w, "%s\t%s\n", k.Name, k.Description)
			}
			return w.Flush()
		},
		SilenceUsage: true,
	}
}

func showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind>",
		Short: "Show the attributes of a step kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := plan.Lookup(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.Title.Render(kind.Name))
			fmt.Fprintln(out, kind.Description)
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ATTRIBUTE\tTYPE\tDEFAULT\tDESCRIPTION")
			attrs := plan.NewAttributes(kind.Attributes...)
			for _, spec := range attrs.Specs() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", spec.Name, attrType(spec), attrDefault(attrs, spec), spec.Help)
			}
			return w.Flush()
		},
		SilenceUsage: true,
	}
}

func templateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template <kind>...",
		Short: "Print a plan skeleton using the given step kinds",
		Long: `Print a plan skeleton with one step per kind. Every attribute is listed
with its default value; required attributes without one are shown as
<name> placeholders to fill in.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			f := &plan.File{Name: name}
			for _, arg := range args {
				kind, err := plan.Lookup(arg)
				if err != nil {
					return err
				}
				attrs := plan.NewAttributes(kind.Attributes...)
				sf := plan.StepFile{Kind: kind.Name, Attrs: map[string]any{}}
				for _, spec := range attrs.Specs() {
					sf.Attrs[spec.Name] = attrDefault(attrs, spec)
				}
				f.Steps = append(f.Steps, sf)
			}
			return f.Encode(cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("name", "my-plan", "Plan name")

	return cmd
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a plan file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := plan.LoadFile(args[0])
			if err != nil {
				return err
			}
			built, err := f.Build()
			if err != nil {
				return err
			}
			enabled := 0
			for _, st := range built {
				if st.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps (%d enabled)\n", f.Name, len(built), enabled)
			for i, st := range built {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, st.Describe())
			}
			return nil
		},
		SilenceUsage: true,
	}
}

func attrType(spec plan.AttrSpec) string {
	t := string(spec.Kind)
	if len(spec.Choices) > 0 {
		t += " (" + strings.Join(spec.Choices, "|") + ")"
	}
	if spec.Required {
		t += ", required"
	}
	return t
}

func attrDefault(attrs *plan.Attributes, spec plan.AttrSpec) string {
	v := attrs.Format(spec.Name)
	if v == "" && spec.Required {
		return "<" + spec.Name + ">"
	}
	return v
}
