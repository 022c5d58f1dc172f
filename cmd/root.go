// Package cmd holds the featurebot command line: the webhook server, the
// queue worker and the operator prune command.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"featurebot/internal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "FEATUREBOT"

var (
	settings  = viper.New()
	appConfig internal.Config
)

var rootCmd = &cobra.Command{
	Use:   "featurebot",
	Short: "Feature lifecycle bot for GitHub repositories",
	Long: `featurebot merges accepted feature proposals, closes rejected ones and
removes features made redundant by a merge.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings(settings, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		appConfig = cfg
		internal.ConfigureLogging(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "config.yaml", "path to the service configuration file")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (json or text)")
	bindSettings(settings, rootCmd)
}

func bindSettings(v *viper.Viper, cmd *cobra.Command) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	flags := cmd.PersistentFlags()
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("env_file", flags.Lookup("env-file"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	for _, key := range overrideKeys {
		_ = v.BindEnv(key)
	}
}

// overrideKeys may be set through FEATUREBOT_<KEY> and win over the file.
var overrideKeys = []string{
	"server.port",
	"server.api_token",
	"github.secret",
	"github.token",
	"github.app_id",
	"github.private_key_path",
	"github.base_url",
	"storage.dsn",
	"ci.travis_token",
	"watermill.driver",
	"watermill.riverqueue.dsn",
}

// loadSettings reads the dotenv file, the YAML configuration and the
// environment overrides. A missing config file falls back to defaults unless
// its path was given explicitly.
func loadSettings(v *viper.Viper, explicit bool) (internal.Config, error) {
	if envFile := v.GetString("env_file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return internal.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	path := v.GetString("config")
	cfg := internal.DefaultConfig()
	if path != "" {
		loaded, err := internal.LoadConfig(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return internal.Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyOverrides(v, &cfg)
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *internal.Config) {
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v.IsSet(key) {
			*dst = v.GetInt64(key)
		}
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}

	setInt("server.port", &cfg.Server.Port)
	setString("server.api_token", &cfg.Server.APIToken)
	setString("github.secret", &cfg.GitHub.Secret)
	setString("github.token", &cfg.GitHub.Token)
	setInt64("github.app_id", &cfg.GitHub.AppID)
	setString("github.private_key_path", &cfg.GitHub.PrivateKeyPath)
	setString("github.base_url", &cfg.GitHub.BaseURL)
	setString("storage.dsn", &cfg.Storage.DSN)
	setString("ci.travis_token", &cfg.CI.TravisToken)
	setString("watermill.driver", &cfg.Watermill.Driver)
	setString("watermill.riverqueue.dsn", &cfg.Watermill.RiverQueue.DSN)
	setString("log.level", &cfg.Log.Level)
	setString("log.format", &cfg.Log.Format)
}
