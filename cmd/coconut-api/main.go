package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coconut3301/backend/internal/auth"
	"github.com/coconut3301/backend/internal/config"
	"github.com/coconut3301/backend/internal/database"
	"github.com/coconut3301/backend/internal/logging"
	"github.com/coconut3301/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coconut-api",
		Short: "Coconut 3301 game backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newTokenCommand(), newGrantCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("auth-provider", defaults.GetString("auth.provider"), "Identity provider (session, firebase)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("push-transport", defaults.GetString("push.transport"), "Push transport (log, fcm)")
	cmd.PersistentFlags().String("leaderboard-policy", defaults.GetString("leaderboard.policy"), "Leaderboard write policy (first_wins, best_wins)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.provider", "auth-provider")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "push.transport", "push-transport")
	bindFlag(cmd, "leaderboard.policy", "leaderboard-policy")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			logger.Info("migrations applied", zap.String("driver", appConfig.DatabaseDriver))
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		rawUserID string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if appConfig.AuthProvider != config.AuthProviderSession {
				return fmt.Errorf("token minting requires the session auth provider")
			}
			userID, err := users.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&rawUserID, "user", "", "User identifier to embed as the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newGrantCommand() *cobra.Command {
	var (
		rawUserID string
		role      string
		email     string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant an administrative role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			userID, err := users.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			directory, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			if err := directory.GrantRole(cmd.Context(), userID, users.Role(strings.ToLower(role)), email); err != nil {
				return err
			}
			logger.Info("role granted", zap.String("user_id", userID.String()), zap.String("role", role))
			return nil
		},
	}
	cmd.Flags().StringVar(&rawUserID, "user", "", "User identifier")
	cmd.Flags().StringVar(&role, "role", string(users.RoleAdmin), "Role (editor, admin, super_admin)")
	cmd.Flags().StringVar(&email, "email", "", "Contact email recorded with the grant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}
