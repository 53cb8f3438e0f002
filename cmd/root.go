package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/audiolibrelab/rehearse/internal/config"
	"github.com/audiolibrelab/rehearse/internal/service"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "rehearse",
	Short: "Record and replay spoken practice takes",
	Long: `Rehearse is a CLI tool for practicing texts out loud.

Pick a practice text, record a take, and play back your latest attempt.
Every take is kept with its duration, and each text counts how often
it has been practiced.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config subcommands manage the file itself
		if cmd.Parent() == configCmd && cmd.Name() != "show" {
			setupLogging(verboseLevel, nil)
			return nil
		}

		var err error
		cfg, err = loadConfig()
		if err != nil {
			setupLogging(verboseLevel, nil)
			return fmt.Errorf("failed to load config: %w", err)
		}

		setupLogging(verboseLevel, &cfg.Log)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/rehearse.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(textCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(takesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config file; a missing default file means built-in defaults
func loadConfig() (*config.Config, error) {
	explicit := cfgFile != ""
	if !explicit {
		cfgFile = config.DefaultPath()
	}

	loaded, err := config.LoadWithProfile(cfgFile, profile)
	if err == nil {
		return loaded, nil
	}
	if !explicit && profile == "" && errors.Is(err, config.ErrConfigNotFound) {
		return config.Default(), nil
	}
	return nil, err
}

// openService opens the practice service for the loaded configuration
func openService() (*service.PracticeService, error) {
	svc, err := service.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open service: %w", err)
	}
	return svc, nil
}

// setupLogging configures slog based on the verbose level, with an optional rotated log file
func setupLogging(level int, logCfg *config.LogConfig) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if logCfg != nil && logCfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
		})
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(out, opts)
	slog.SetDefault(slog.New(handler))
}
