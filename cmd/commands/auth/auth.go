package auth

import (
	"nathanbeddoewebdev/benchctl/internal/auth"

	"github.com/spf13/cobra"
)

// providers lists the credential names benchctl knows how to use.
var providers = []string{auth.Hetzner}

// storeFactory returns the token store. Tests replace it.
var storeFactory = auth.DefaultStore

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage cloud API credentials",
		Long: `Manage cloud API credentials.

Tokens are stored in the OS keychain and are used to resolve hosts of the
form hcloud:<server-name> to their addresses.`,
	}

	cmd.AddCommand(LoginCommand())
	cmd.AddCommand(LogoutCommand())
	cmd.AddCommand(StatusCommand())

	return cmd
}
