package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/speakpaint/cmd/speakpaint/cmds"
	"github.com/go-go-golems/speakpaint/pkg/logging"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "speakpaint",
	Short: "speakpaint turns a spoken conversation into generated images for live viewers",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		withCaller, _ := cmd.Flags().GetBool("with-caller")
		return logging.Init(logging.Settings{Level: level, Format: format, WithCaller: withCaller})
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", logging.FormatAuto, "log format (auto, console, json)")
	rootCmd.PersistentFlags().Bool("with-caller", false, "include file:line in log entries")

	serveCmd, err := cmds.NewServeCobraCommand()
	cobra.CheckErr(err)
	configCmd, err := cmds.NewConfigCobraCommand(nil)
	cobra.CheckErr(err)

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)

	err = rootCmd.Execute()
	cobra.CheckErr(err)
}
