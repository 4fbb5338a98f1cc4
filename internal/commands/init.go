package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/database"
	"github.com/poleshift/fieldsync/internal/loggy"
	"github.com/poleshift/fieldsync/internal/utils"
)

// InitCommand returns the CLI command for first-time setup
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the fieldsync environment",
		Description: "Sets up the configuration directory, writes a default configuration file " +
			"and creates the local database schema. Safe to re-run after upgrades.",
		Action: func(c *cli.Context) error {
			utils.PrintHeading("Initializing fieldsync")

			homeDir, err := os.UserHomeDir()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
				return fmt.Errorf("failed to get user home directory: %w", err)
			}

			configDir := filepath.Join(homeDir, ".fieldsync")
			utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

			if err := config.SetupConfigDirectory(configDir); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to set up configuration files: %s", err))
				return err
			}

			cfg, err := config.LoadFromEnv(configDir, "")
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			utils.PrintInfo("Creating database schema")
			db, err := database.Open(&cfg.Database, loggy.NewNoopLogger())
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to initialize database: %s", err))
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			utils.PrintKeyValue("Device name", cfg.DeviceName)
			utils.PrintKeyValue("Database", cfg.Database.Path)
			utils.PrintKeyValue("Resource directory", cfg.Transfer.ResourceDir)

			if cfg.Remote.URL == "" {
				utils.PrintWarning("FIELDSYNC_REMOTE_URL is not set; edit " + filepath.Join(configDir, ".env"))
			}

			utils.PrintSuccess("fieldsync initialized")
			return nil
		},
	}
}
