package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/mentor/config"
	srv "github.com/mohammad-safakhou/mentor/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "mentor"}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and training scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = os.Getenv("MENTOR_HTTP_ADDR")
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to server.address)")

	var migDir string
	var direction string
	var steps int
	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				if cfg, err := config.LoadConfig(configPath); err == nil {
					dsn = cfg.Storage.Postgres.DSN()
				}
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var feedGroup string
	var feedName string
	var feedCmd = &cobra.Command{
		Use:   "feed",
		Short: "Tail the memory feed stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return tailFeed(cmd.Context(), cfg, feedGroup, feedName)
		},
	}
	feedCmd.Flags().StringVar(&feedGroup, "group", "mentor-cli", "consumer group")
	feedCmd.Flags().StringVar(&feedName, "name", "tail", "consumer name within the group")

	var worker = &cobra.Command{
		Use:   "worker",
		Short: "Run the training scheduler without the public API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return srv.RunWorker(cfg)
		},
	}

	root.AddCommand(serve, migrateCmd, feedCmd, worker)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
