package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lirica/voicelink/internal/auth"
	"github.com/lirica/voicelink/internal/config"
)

var tokenClient string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token with the configured secret",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenClient, "client", "voicelink-cli", "Client id to embed in the token")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	manager := auth.NewManager(cfg.TokenSecret, cfg.TokenTTL)
	token, err := manager.GenerateSessionToken(tokenClient)
	if err != nil {
		return fmt.Errorf("minting session token: %w", err)
	}

	fmt.Println(token)
	return nil
}
