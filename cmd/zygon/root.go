//go:build linux

package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/substratum-dev/zygon/internal/companion"
	"github.com/substratum-dev/zygon/internal/daemon"
	"github.com/substratum-dev/zygon/internal/entry"
	"github.com/substratum-dev/zygon/internal/payload"
)

// The default invocation replaces whatever binary this one is overlaid on,
// so argv is opaque application-loader syntax, not our flags. Flag parsing
// stays off on the root command; internal re-exec targets are hidden
// subcommands.
var rootCmd = &cobra.Command{
	Use:                "zygon",
	Short:              "Injection entry point for the application process pool",
	Args:               cobra.ArbitraryArgs,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return entry.Run(entry.NewOSProcess())
	},
}

var companionCmd = &cobra.Command{
	Use:           "companion <connection-fd>",
	Hidden:        true,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fd, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return companion.Run(fd)
	},
}

var passthroughCmd = &cobra.Command{
	Use:           "passthrough <client-fd> <bitness>",
	Hidden:        true,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		bitness, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		return entry.RunPassthrough(client, int32(bitness), daemon.Connect)
	},
}

var extractCmd = &cobra.Command{
	Use:          "extract <path>",
	Short:        "Materialize the embedded loader image to a file",
	Hidden:       true,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return payload.Extract(args[0], 0o755)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(companionCmd, passthroughCmd, extractCmd)
}
