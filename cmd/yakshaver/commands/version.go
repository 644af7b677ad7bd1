package commands

import (
	"fmt"
	"runtime"

	"github.com/SSWConsulting/yakshaver/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of YakShaver",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "yakshaver %s %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
