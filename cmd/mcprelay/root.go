package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFiles   []string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "mcprelay",
	Short: "Relay MCP tool calls to pooled backend servers",
	Long: `mcprelay exposes the tools of configured MCP servers over Streamable HTTP.
Each consumer gets its own pooled connection to every backend it uses, so
per-consumer credentials never leak between callers. Idle connections are
closed by a background reaper.`,
	SilenceUsage: true,
}

// SetVersion sets the version reported by --version and the version command.
func SetVersion(v string) {
	rootCmd.Version = v
}

func init() {
	rootCmd.SetVersionTemplate(`{{printf "mcprelay version %s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mcprelay.yaml", "path to the relay configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files loaded before the configuration")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development logging at debug level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
