package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hived",
	Short: "Hive orchestration core",
	Long: `hived runs the Hive core: it accepts container jobs over HTTP,
schedules them onto worker nodes over UDP, and harvests their results.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"tuning file (default ./hive.yaml, then ~/.hive/config.yaml)")
}
