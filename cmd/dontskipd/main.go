package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dontskiphq/dontskip/internal/backend"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagSigningKey     = "signing-key"
	flagAllowedOrigins = "allowed-origins"
	flagTokenTTL       = "ttl"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeySigningKey     = "signing_key"
	configKeyAllowedOrigins = "allowed_origins"

	defaultTokenLifetime = 30 * 24 * time.Hour
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dontskipd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &backend.Config{}
	cmd := &cobra.Command{
		Use:           "dontskipd",
		Short:         "Don't Skip balance service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, "", "database connection string (postgres:// URL or sqlite path)")
	cmd.PersistentFlags().String(flagListenAddr, "", "HTTP listen address")
	cmd.PersistentFlags().String(flagSigningKey, "", "bearer token signing key")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")

	cmd.AddCommand(newTokenCommand(cfg))

	return cmd
}

func newTokenCommand(cfg *backend.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lifetime, err := cmd.Flags().GetDuration(flagTokenTTL)
			if err != nil {
				return err
			}
			token, err := backend.MintToken([]byte(cfg.TokenSigningKey), cfg.TokenIssuer, args[0], lifetime)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration(flagTokenTTL, defaultTokenLifetime, "token lifetime")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *backend.Config) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyListenAddr, "LISTEN_ADDR"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeySigningKey, "JWT_SIGNING_KEY"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyAllowedOrigins, "ALLOWED_ORIGINS"); err != nil {
		return err
	}

	// The pre-run also fires for subcommands, so look the flags up on the root.
	rootFlags := cmd.Root().PersistentFlags()
	if err := viper.BindPFlag(configKeyDatabaseURL, rootFlags.Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyListenAddr, rootFlags.Lookup(flagListenAddr)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeySigningKey, rootFlags.Lookup(flagSigningKey)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyAllowedOrigins, rootFlags.Lookup(flagAllowedOrigins)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.TokenSigningKey = viper.GetString(configKeySigningKey)
	cfg.AllowedOrigins = backend.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))

	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *backend.Config) error {
	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	return backend.Run(ctx, *cfg, gormDB)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "dontskip-backend.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
