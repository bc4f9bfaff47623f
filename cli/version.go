package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/caliperml/caliper/version"
)

var versionVerbose bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the engine version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("caliper %s (%s, %s/%s)\n",
			version.EngineVersion(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if versionVerbose {
			for _, dep := range version.Dependencies() {
				line := dep.Path + " " + dep.Version
				if dep.Replace != "" {
					line += " => " + dep.Replace
				}
				fmt.Println(line)
			}
		}
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionVerbose, "verbose", false, "also list module dependencies")
	RootCmd.AddCommand(versionCmd)
}
