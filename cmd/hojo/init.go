package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUsername string
	initRole     string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "User id the token belongs to")
	initCmd.Flags().StringVar(&initUsername, "username", "", "Display username")
	initCmd.Flags().StringVar(&initRole, "role", "", "User role")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store auth token in ~/.hojo/config.toml",
	Long:  "Initialize the Hojo CLI by storing your auth token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUsername != "" {
			cfg.Auth.Username = initUsername
		}
		if initRole != "" {
			cfg.Auth.Role = initRole
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
