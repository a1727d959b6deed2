package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fritztv/fritztv/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fritztv version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Short())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
