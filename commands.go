package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/config"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := connectDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		return database.RunPoolMigrations(db, logger)
	},
}

var identityCacheCmd = &cobra.Command{
	Use:   "identity-cache",
	Short: "Inspect or clear cached tracker-to-hosting identities",
}

var clearUserID int64

var identityCacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached identities so they are resolved again",
	Long: `Drop cached identities so they are resolved again on the next event.

Without --user every entry is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, closeDB, err := openIdentityResolver(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		if clearUserID > 0 {
			removed, err := resolver.Invalidate(cmd.Context(), clearUserID)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "No cached identity for tracker user %d\n", clearUserID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed cached identity for tracker user %d\n", clearUserID)
			return nil
		}

		count, err := resolver.InvalidateAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached identities\n", count)
		return nil
	},
}

var identityCacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print identity cache statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, closeDB, err := openIdentityResolver(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		stats, err := resolver.Stats(cmd.Context())
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(stats)
	},
}

// openIdentityResolver wires a resolver against the configured database.
func openIdentityResolver(cmd *cobra.Command) (services.IdentityResolver, func(), error) {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectDatabase(cmd.Context(), cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	resolver := services.NewIdentityResolver(
		repositories.NewIdentityMappingRepository(db),
		newHostingClient(cfg, logger),
		nil,
		logger)

	return resolver, func() {
		db.Close()
		_ = logger.Sync()
	}, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var (
	initOutput string
	initForce  bool
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Long: `Write a config file holding the default settings, with any environment
overrides applied. Secrets are env-only and are never written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Defaults()
		if err != nil {
			return err
		}
		if err := config.WriteFile(initOutput, cfg, initForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", initOutput)
		return nil
	},
}

func init() {
	identityCacheClearCmd.Flags().Int64Var(&clearUserID, "user", 0, "tracker user id to clear (default: all)")
	identityCacheCmd.AddCommand(identityCacheClearCmd)
	identityCacheCmd.AddCommand(identityCacheStatsCmd)

	configInitCmd.Flags().StringVarP(&initOutput, "output", "o", config.DefaultConfigPath, "file to write")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}
