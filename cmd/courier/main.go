package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Channel message synchronization engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the control API and the seed watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	})

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := cmd.Flags().GetString("subject")
			if err != nil {
				return err
			}
			return runToken(cmd.Context(), cmd, subject)
		},
	}
	tokenCmd.Flags().String("subject", "", "Token subject")
	rootCmd.AddCommand(tokenCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := viper.GetViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("index-dsn", "", "Search index DSN (sqlite, memory or postgres URL)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("source-url", "", "Message source base URL")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the fingerprint window")
	cmd.PersistentFlags().String("queue-backend", defaults.GetString("queue.backend"), "Task queue backend (memory, nsq)")
	cmd.PersistentFlags().String("blob-backend", defaults.GetString("blob.backend"), "Media storage backend (file, minio)")
	cmd.PersistentFlags().String("seed-file", "", "Channel seed file watched for changes")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "index.dsn", "index-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "source.base_url", "source-url")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "queue.backend", "queue-backend")
	bindFlag(cmd, "blob.backend", "blob-backend")
	bindFlag(cmd, "channels.seed_file", "seed-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("courier")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &configNotFound) {
			return nil
		}
		return err
	}

	return nil
}

func runMigrate() error {
	configViper := viper.GetViper()
	logger, err := logging.NewLogger(configViper.GetString("log.level"), configViper.GetString("log.format"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	path := strings.TrimSpace(configViper.GetString("database.path"))
	db, err := database.OpenSQLite(path, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runToken(ctx context.Context, cmd *cobra.Command, subject string) error {
	authConfig, err := config.LoadAuth(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(authConfig.SigningSecret),
		Issuer:        authConfig.Issuer,
		Audience:      authConfig.Audience,
		TokenTTL:      authConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueToken(ctx, subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
	return err
}
