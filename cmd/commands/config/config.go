package config

import (
	"nathanbeddoewebdev/benchctl/internal/config"

	"github.com/spf13/cobra"
)

// NewCommand returns the "config" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage benchctl configuration",
		Long: "View and modify persistent benchctl settings.\n\n" +
			"Configuration is stored at ~/.config/benchctl/config.json.\n\n" +
			config.KeysHelp(),
	}

	cmd.AddCommand(SetCommand())
	cmd.AddCommand(GetCommand())

	return cmd
}
