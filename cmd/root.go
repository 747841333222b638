package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmemory/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/agentmemory/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "memoryd — MCP memory service for AI agents",
	Long:  "memoryd: typed, layered, soft-deleted memory storage for AI agents, exposed over an MCP JSON-RPC/SSE transport with lexical retrieval and a durable embedding pipeline.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $MEMORYD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(migrateCmd())
}

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
