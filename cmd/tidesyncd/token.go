// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a device token for testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		owner, _ := cmd.Flags().GetString("owner")
		device, _ := cmd.Flags().GetString("device")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}
		if device == "" {
			device = uuid.New().String()
		}

		jwtAuth := tidesync.NewJWTAuth(cfg.JWTSecret, cfg.TokenTTL, cfg.RefreshWindow)
		token, expiresAt, err := jwtAuth.GenerateToken(owner, device)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}

		fmt.Printf("owner:   %s\ndevice:  %s\nexpires: %s\ntoken:   %s\n",
			owner, device, expiresAt.Format("2006-01-02 15:04:05 MST"), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringP("config", "c", "", "Path to config file")
	tokenCmd.Flags().String("owner", "", "Owner ID placed in the sub claim")
	tokenCmd.Flags().String("device", "", "Device ID placed in the did claim (random if omitted)")
	rootCmd.AddCommand(tokenCmd)
}
