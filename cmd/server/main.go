// Command server runs the Parley community server: a TCP newline-JSON
// event endpoint, a UDP voice relay and a SQLite-backed message store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/parley-chat/parley/pkg/crypto"
	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/logging"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/server"
	"github.com/parley-chat/parley/pkg/state"
	"github.com/parley-chat/parley/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           "parley-server",
		Short:         "Parley community chat and voice server",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return logging.Setup(logging.Options{
				Level:  logLevel,
				Format: logFormat,
				Output: os.Stdout,
			})
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level: "+logging.LevelNames())
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format: text or json")

	root.AddCommand(newServeCmd())
	root.AddCommand(newAddUserCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string
	cfg := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				loaded, err := server.LoadConfig(configFile)
				if err != nil {
					return err
				}
				// Flags set on the command line win over the config file.
				applyFlagOverrides(cmd, &cfg, loaded)
			}

			store, err := datastore.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			st := state.New(model.NewCommunity(cfg.CommunityName))
			srv := server.New(cfg, st, server.Dependencies{Store: store})

			slog.Info("starting", "version", version.String(), "community", cfg.CommunityName)
			return srv.Run()
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP event endpoint bind address")
	cmd.Flags().StringVar(&cfg.VoiceAddr, "voice", cfg.VoiceAddr, "UDP voice relay bind address")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	cmd.Flags().StringVar(&cfg.CommunityName, "community", cfg.CommunityName, "community name")
	cmd.Flags().StringVar(&cfg.BootstrapFile, "bootstrap", cfg.BootstrapFile, "YAML file of channels and users to seed on startup")
	return cmd
}

// applyFlagOverrides merges a loaded config under explicitly set flags:
// the file provides the base, the command line wins.
func applyFlagOverrides(cmd *cobra.Command, cfg *server.Config, loaded server.Config) {
	flagSet := func(name string) bool { return cmd.Flags().Changed(name) }

	if !flagSet("listen") {
		cfg.ListenAddr = loaded.ListenAddr
	}
	if !flagSet("voice") {
		cfg.VoiceAddr = loaded.VoiceAddr
	}
	if !flagSet("metrics") {
		cfg.MetricsAddr = loaded.MetricsAddr
	}
	if !flagSet("db") {
		cfg.DBPath = loaded.DBPath
	}
	if !flagSet("community") {
		cfg.CommunityName = loaded.CommunityName
	}
	if !flagSet("bootstrap") {
		cfg.BootstrapFile = loaded.BootstrapFile
	}
	cfg.WriteTimeout = loaded.WriteTimeout
}

func newAddUserCmd() *cobra.Command {
	var (
		dbPath    string
		community string
		username  string
		password  string
		role      string
	)

	cmd := &cobra.Command{
		Use:   "adduser",
		Short: "Register a user in the database",
		RunE: func(_ *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("both --username and --password are required")
			}

			store, err := datastore.New(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = store.Close() }()

			serverID := model.NewCommunity(community).ID
			existing, err := store.GetUserByUsername(serverID, username)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("user %q already exists", username)
			}

			hash, err := crypto.HashPassword(password)
			if err != nil {
				return err
			}
			u, err := server.NewCommunityUser(username, hash, role)
			if err != nil {
				return err
			}
			if err := store.SaveUser(serverID, u); err != nil {
				return err
			}

			fmt.Printf("created user %s (%s)\n", u.Username, u.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", server.DefaultConfig().DBPath, "SQLite database file path")
	cmd.Flags().StringVar(&community, "community", server.DefaultConfig().CommunityName, "community name")
	cmd.Flags().StringVar(&username, "username", "", "username to create")
	cmd.Flags().StringVar(&password, "password", "", "password for the new user")
	cmd.Flags().StringVar(&role, "role", "", "standing role: member, moderator, admin or owner")
	return cmd
}
