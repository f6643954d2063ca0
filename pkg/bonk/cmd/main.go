package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MixyLabs/bonk/pkg/bonk"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "bonk",
	Short: "A soundboard that plays into your microphone",
	Long: `bonk plays sounds on your speakers and, at the same time, into a virtual
microphone that voice chat and recording applications can pick as their input.
Your real microphone is mixed into the virtual one, so you keep talking as usual.

Without a subcommand bonk runs in the system tray.`,
	SilenceUsage: true,
	RunE:         runTray,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ~/.bonk/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose logs")

	rootCmd.AddCommand(playCmd, micsCmd, cleanupCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() (*zap.SugaredLogger, error) {
	logger, err := bonk.NewLogger(buildType)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	return logger, nil
}

func versionString() string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return ""
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}

	return fmt.Sprintf("Version %s-%s", buildType, identifier)
}

func runTray(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	named := logger.Named("main")

	d, err := bonk.NewBonk(logger, cfgFile, verbose)
	if err != nil {
		named.Errorw("Failed to create bonk object", "error", err)
		return err
	}

	if version := versionString(); version != "" {
		d.SetVersion(version)
	}

	if err = d.Initialize(); err != nil {
		named.Errorw("Failed to initialize bonk", "error", err)
		return err
	}

	return nil
}
