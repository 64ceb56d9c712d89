package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/studioos/display"
	"github.com/teranos/studioos/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show StudioOS version information",
	Long:  `Display version, build time, commit hash, and platform information for the StudioOS binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput := display.ShouldOutputJSON(cmd)

		info := version.Get()

		if jsonOutput {
			return display.OutputJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		fmt.Fprintf(cmd.OutOrStdout(), "Platform: %s\n", info.Platform)
		fmt.Fprintf(cmd.OutOrStdout(), "Go: %s\n", info.GoVersion)
		return nil
	},
}
