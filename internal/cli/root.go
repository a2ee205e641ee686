// Package cli implements the leidad command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/e7canasta/orion-leida/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "leidad",
	Short: "Trigger-driven multi-channel person detection",
	Long: `leidad watches a set of cameras on demand. A host application starts
and stops channels by writing trigger tokens to a named pipe, and receives
"person" results on a second pipe while someone is in view.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ./leidad.yaml, $HOME/.config/leidad/leidad.yaml or /etc/leidad/leidad.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("leidad")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("/etc/leidad")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	// LEIDAD_DETECTION_TIMEOUT for detection.timeout
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if viper.GetString("config") != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "leidad: reading config: %v\n", err)
		}
	}
}

// loadConfig validates the merged configuration and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cmd.ErrOrStderr(), cfg.Logging, viper.GetBool("debug"))
	if used := viper.ConfigFileUsed(); used != "" {
		slog.Debug("configuration loaded", "file", used)
	}
	return cfg, nil
}

func setupLogging(w io.Writer, cfg config.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
