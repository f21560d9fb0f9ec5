// cmd/version.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
)

// Version will be set at build time
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number and supported protocol versions",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "citadel-fabric version %s (protocol v%d-v%d)\n", Version, protocol.V1, protocol.Latest)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
