package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/nfi-writer/internal/config"
	"github.com/open-edge-platform/nfi-writer/internal/hostmodel"
	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Global flags
var (
	configFile string
	logLevel   string
	logFile    string
)

// Settings of the current invocation, loaded by the root command.
var appConfig *config.Config

// Allow tests to replace the hardware.
var (
	openDevice = func(paths []string) (nand.Device, error) {
		mtd, err := nand.OpenMTD(paths...)
		if err != nil {
			return nil, err
		}
		return mtd, nil
	}
	detectModel = hostmodel.Detect
)

func currentConfig() config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return *appConfig
}

// createRootCommand creates the top level command with all subcommands
func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nfi-writer",
		Short: "Writes NFI firmware images to NAND flash",
		Long: `nfi-writer flashes a complete NFI firmware image onto the raw NAND
of a set-top box. It checks the image against the running model, skips
bad erase blocks and handles the hardware ECC quirks of each model.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initGlobals,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		fmt.Sprintf("Configuration file (default %s if present)", config.DefaultConfigFile))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"Also write logs to this file")

	rootCmd.AddCommand(createWriteCommand())
	rootCmd.AddCommand(createInfoCommand())
	rootCmd.AddCommand(createScanCommand())

	return rootCmd
}

// initGlobals loads the configuration and sets up logging
func initGlobals(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDefault(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	appConfig = &cfg
	return nil
}

// imageFileCompletion offers image files for shell completion
func imageFileCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return []string{"nfi", "gz", "xz", "zst", "zip"}, cobra.ShellCompDirectiveFilterFileExt
}

func run(ctx context.Context, args []string) error {
	rootCmd := createRootCommand()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()

	if err != nil {
		logger.Logger().Errorf("%v", err)
	}
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
