// Package main is the relay server binary.
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Mint a development token:
//
//	relay token --secret dev-secret --user alice
//
// Every config file setting can be overridden with RELAY_* environment
// variables, for example RELAY_PORT or RELAY_JWT_SECRET.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/gorelay/internal/auth"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree. Split from main for tests.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Real-time presence, room and call signaling relay",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the websocket relay.

Configuration is read from the optional YAML file and then overlaid with
RELAY_* environment variables. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  relay serve
  relay serve --config /etc/relay/relay.yaml
  RELAY_JWT_SECRET=s3cret RELAY_PORT=9000 relay serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "Path to YAML configuration file")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		secret   string
		issuer   string
		identity auth.Identity
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.NewJWTService(secret, issuer, ttl).Generate(identity)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("RELAY_JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", os.Getenv("RELAY_JWT_ISSUER"), "Token issuer")
	cmd.Flags().StringVar(&identity.UserID, "user", "", "User id (token subject)")
	cmd.Flags().StringVar(&identity.Role, "role", "user", "User role")
	cmd.Flags().StringVar(&identity.DisplayName, "name", "", "Display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 never expires")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "relay %s (commit: %s)\n", version, commit)
		},
	}
}
