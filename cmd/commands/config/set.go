package config

import (
	"fmt"
	"strings"

	"nathanbeddoewebdev/benchctl/internal/config"

	"github.com/spf13/cobra"
)

// SetCommand returns the "config set" command.
func SetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Set a configuration value",
		Long: "Set a persistent configuration value. Omitting the value clears the key.\n\n" +
			config.KeysHelp() +
			"\nExamples:\n" +
			"  benchctl config set ssh-user bench\n" +
			"  benchctl config set host.node1 10.0.0.1\n" +
			"  benchctl config set host.node2 hcloud:bench-worker-2\n" +
			"  benchctl config set host.node2           # remove the alias",
		Args:         cobra.RangeArgs(1, 2),
		RunE:         runSet,
		SilenceUsage: true,
	}

	return cmd
}

func runSet(cmd *cobra.Command, args []string) error {
	spec := config.Lookup(args[0])
	if spec == nil {
		return fmt.Errorf("unknown configuration key %q (valid: %s, host.<alias>)", args[0], strings.Join(config.KeyNames(), ", "))
	}

	var value string
	if len(args) == 2 {
		value = strings.TrimSpace(args[1])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := spec.Set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	if value == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s cleared\n", spec.Name)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s set to %q\n", spec.Name, spec.Get(cfg))
	}
	return nil
}
