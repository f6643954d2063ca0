package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MixyLabs/bonk/pkg/bonk"
	"github.com/MixyLabs/bonk/pkg/bonk/library"
	"github.com/MixyLabs/bonk/pkg/bonk/util"
)

var playCmd = &cobra.Command{
	Use:   "play <sound>",
	Short: "Play one sound and exit when it ends",
	Long: `Play a file, or the sound in the library whose name matches the argument.
The virtual microphone exists while the sound plays. Ctrl+C stops it early.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := prepare()
		if err != nil {
			return err
		}

		sound := args[0]
		if !util.FileExists(sound) {
			found, err := library.Find(d.SoundsDir(), sound)
			if err != nil {
				return err
			}
			sound = found.Path
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(cmd.OutOrStdout(), "Playing %s\n", sound)

		if err := d.PlayOnce(ctx, sound); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	},
}

var micsCmd = &cobra.Command{
	Use:   "mics",
	Short: "List the microphones that can be mixed into the virtual one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := prepare()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		mics := d.ListMicrophones(ctx)
		if len(mics) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No microphones found")
			return nil
		}

		for _, mic := range mics {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", mic.ID, mic.Description)
		}

		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove virtual devices left behind by a crashed run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := prepare()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		removed, err := d.RemoveVirtualDevices(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d module(s)\n", removed)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		version := versionString()
		if version == "" {
			version = "Version unknown (development build)"
		}

		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func prepare() (*bonk.Bonk, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	d, err := bonk.NewBonk(logger, cfgFile, verbose)
	if err != nil {
		return nil, err
	}

	if err := d.Prepare(); err != nil {
		return nil, err
	}

	return d, nil
}
