package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/stone-age-io/bootd/internal/apps"
	"github.com/stone-age-io/bootd/internal/config"
)

// version is set at build time
var version = "dev"

var flagConfigPath string

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", config.GetDefaultConfigPath(), "Config file to load")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bootd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bootd",
	Short:        "Device boot daemon with FTP, telnet console and a crash watchdog",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground or under the service manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService(flagConfigPath)
	},
}

var serviceCmd = &cobra.Command{
	Use:       "service <install|uninstall|start|stop|restart>",
	Short:     "Control the bootd system service",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"install", "uninstall", "start", "stop", "restart"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlService(flagConfigPath, args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bootd: %s\n", version)
		fmt.Printf("go:    %s\n", runtime.Version())
		fmt.Printf("apps:  %v\n", apps.Names())
	},
}
