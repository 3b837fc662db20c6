// Command muaddib runs one message through the full room pipeline and
// prints the reply. It is the CLI transport: other transports embed
// internal/rooms the same way and only swap the delivery layer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile  string
	roomName string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "muaddib [message...]",
	Short: "muaddib — multi-room chat agent",
	Long:  "Muaddib routes chat messages through mode triggers, a steering queue and a tool-calling agent loop. Invoked with a message body it handles that message as a direct command in the configured room and prints the reply.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMessage(args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $MUADDIB_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&roomName, "room", "cli", "room config to run under")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("muaddib %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("MUADDIB_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "muaddib:", err)
		os.Exit(1)
	}
}
