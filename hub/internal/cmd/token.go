package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/hub/internal/store"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id> [config-file]",
		Short: "Issue a bearer token for an existing user",
		Long:  "Signs a token with the configured secret, for scripted clients and testing. Only available with the builtin auth provider.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runToken,
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	cfg, err := config.Load(resolveConfigPath(cmd, args[1:]))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if cfg.Auth.Provider != "" && cfg.Auth.Provider != "builtin" {
		return fmt.Errorf("tokens are issued by the %s provider, not this hub", cfg.Auth.Provider)
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	token, err := auth.NewService(db, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry.Duration).IssueTokenFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Bearer "+token)
	return nil
}
