package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vulnwatch/vulnwatch/internal/config"
	"github.com/vulnwatch/vulnwatch/internal/core"
	"github.com/vulnwatch/vulnwatch/internal/database"
	"github.com/vulnwatch/vulnwatch/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	store   core.VulnStore
)

var rootCmd = &cobra.Command{
	Use:   "vulnwatch",
	Short: "Vulnerability finding tracker",
	Long: `Vulnwatch - Vulnerability Finding Tracker

Ingests vulnerability findings from xlsx workbooks, deduplicates them by
fingerprint, keeps an append-only status history per finding, and serves
filtered lists and chart aggregates over HTTP.`,
	PersistentPreRunE:  initialize,
	PersistentPostRunE: teardown,
	SilenceUsage:       true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .vulnwatch.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("db-driver", "sqlite3", "database driver (sqlite3, postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "vulnwatch.db", "database connection string")

	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".vulnwatch")
	}

	viper.SetEnvPrefix("VULNWATCH")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.output_paths", []string{"stderr"})

	viper.SetDefault("database.driver", "sqlite3")
	viper.SetDefault("database.dsn", "vulnwatch.db")
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "30m")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "60s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.enable_cors", true)

	viper.SetDefault("security.rate_limit.requests_per_second", 20)
	viper.SetDefault("security.rate_limit.burst_size", 40)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "vulnwatch")
	viper.SetDefault("telemetry.exporter_type", "otlp")
	viper.SetDefault("telemetry.sample_rate", 1.0)
}

func initialize(cmd *cobra.Command, args []string) error {
	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var err error
	log, err = logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err = database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if store != nil {
		if err := store.Close(); err != nil {
			log.Errorw("Failed to close database", "error", err)
		}
	}
	if log != nil {
		log.Sync()
	}
	return nil
}
