package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-dispatch/internal/config"
	"github.com/suPer8Hu/chat-dispatch/internal/httpapi/middleware"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "dispatchd",
		Short:        "Conversational message dispatch service",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides DISPATCH_CONFIG)")

	load := func() (config.Config, error) {
		if configPath != "" {
			_ = os.Setenv("DISPATCH_CONFIG", configPath)
		}
		return config.Load()
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newWorkerCmd(load))
	cmd.AddCommand(newTokenCmd(load))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dispatchd %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// newTokenCmd signs a development token for the HTTP API.
func newTokenCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a JWT for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tok, err := middleware.SignToken(cfg.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id to put in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
