package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/botwatch/internal/config"
	"github.com/kalambet/botwatch/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the database location and how many observations it holds",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if name, _ := cmd.Flags().GetString("database-name"); name != "" {
			cfg.Storage.DatabaseName = name
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.Storage.DataDir = dir
		}
		return showStatus(cfg)
	},
}

func showStatus(cfg config.Config) error {
	path := storage.DatabasePath(cfg.Storage.DataDir, cfg.Storage.DatabaseName)
	printStatus("Database", "%s", path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		printWarning("no database yet; run `botwatch watch` to create it")
		return nil
	}

	store, err := storage.Open(cfg.Storage.DataDir, cfg.Storage.DatabaseName)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(); err != nil {
		return err
	}
	n, err := store.Count()
	if err != nil {
		return err
	}
	printStatus("Observations", "%d", n)
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "botwatch %s\n", version)
	},
}

func init() {
	statusCmd.Flags().StringP("database-name", "f", "", "database file name inside the data directory")
	statusCmd.Flags().String("data-dir", "", "directory holding the database")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
