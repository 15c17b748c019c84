package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"nathanbeddoewebdev/benchctl/internal/auth"

	"golang.org/x/term"

	"github.com/spf13/cobra"
)

func LoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Store an API token for a provider",
		Long: `Store an API token for a provider using the local keychain.

Example:
  benchctl auth login hetzner
  benchctl auth login hetzner --token "$HCLOUD_TOKEN"`,
		Args:         cobra.ExactArgs(1),
		RunE:         runLogin,
		SilenceUsage: true,
	}

	cmd.Flags().String("token", "", "API token (optional, overrides prompt)")

	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	provider, err := knownProvider(args[0])
	if err != nil {
		return err
	}

	token, _ := cmd.Flags().GetString("token")
	token = strings.TrimSpace(token)
	if token == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("no terminal to prompt for the token; pass --token")
		}
		fmt.Fprint(cmd.OutOrStdout(), "Enter API token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		token = strings.TrimSpace(string(bytes))
	}
	if token == "" {
		return errors.New("token cannot be empty")
	}

	if err := storeFactory().SetToken(provider, token); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved token for provider %s\n", provider)
	return nil
}

func LogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Remove the stored API token of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := knownProvider(args[0])
			if err != nil {
				return err
			}
			err = storeFactory().DeleteToken(provider)
			if err != nil && !errors.Is(err, auth.ErrTokenNotFound) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed token for provider %s\n", provider)
			return nil
		},
		SilenceUsage: true,
	}
}

func knownProvider(name string) (string, error) {
	provider := auth.NormalizeProvider(name)
	if !slices.Contains(providers, provider) {
		return "", fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(providers, ", "))
	}
	return provider, nil
}
