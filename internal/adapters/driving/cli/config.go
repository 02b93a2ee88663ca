package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/kbsearch/internal/core/services"
)

var configJSON bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage settings",
	Long: `View and change settings stored in the config file.

Every key can also be overridden with an environment variable, for example
retrieval.top_k with KBSEARCH_RETRIEVAL_TOP_K. A .env file in the working
directory is loaded first.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show resolved settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Store one setting",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List setting keys and their environment variables",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		for _, key := range services.Keys() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s\n", key, services.EnvName(key))
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if settingsService == nil {
			return errors.New("settings service not configured")
		}
		fmt.Fprintln(cmd.OutOrStdout(), settingsService.Path())
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configJSON, "json", false, "output settings as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// resolvedValues returns current settings as text with secrets masked.
func resolvedValues() (map[string]string, error) {
	if settingsService == nil {
		return nil, errors.New("settings service not configured")
	}
	settings, err := settingsService.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	values := services.Values(settings)
	if key := values[services.KeyEmbedAPIKey]; key != "" {
		values[services.KeyEmbedAPIKey] = maskAPIKey(key)
	}
	return values, nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	values, err := resolvedValues()
	if err != nil {
		return err
	}
	if configJSON {
		return printJSON(cmd, values)
	}

	out := cmd.OutOrStdout()
	section := ""
	for _, key := range services.Keys() {
		group, name, _ := strings.Cut(key, ".")
		if group != section {
			if section != "" {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, render(cmd, titleStyle, "["+group+"]"))
			section = group
		}
		value := values[key]
		if value == "" {
			value = render(cmd, mutedStyle, "(not set)")
		}
		fmt.Fprintf(out, "  %-20s %s\n", name, value)
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	values, err := resolvedValues()
	if err != nil {
		return err
	}
	value, ok := values[args[0]]
	if !ok {
		return fmt.Errorf("unknown setting %q; run 'kbsearch config keys'", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	if settingsService == nil {
		return errors.New("settings service not configured")
	}
	if err := settingsService.Set(args[0], args[1]); err != nil {
		return err
	}
	if _, err := settingsService.Get(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", render(cmd, warnStyle, "Saved, but settings are invalid:"), err)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
	return nil
}
