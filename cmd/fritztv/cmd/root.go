// Package cmd implements the CLI commands for fritztv.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fritztv/fritztv/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:     "fritztv",
	Short:   "Transcoding proxy between a FritzBox DVB-C gateway and web browsers",
	Version: version.Short(),
	Long: `fritztv sits between a FritzBox cable gateway and ordinary web
browsers. It pulls channels over RTSP, rewraps them with an external
ffmpeg into fragmented MP4 (for MSE players) or HLS (for Safari/iOS),
and fans the result out to viewers, freeing tuner and CPU resources
as soon as nobody is watching.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}
