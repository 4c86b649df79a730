package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/crawdtv/crawd/internal/config"
	"github.com/crawdtv/crawd/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/crawdtv/crawd/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "crawd",
	Short: "crawd — livestream AI agent coordinator",
	Long:  "crawd keeps a coding agent present on a livestream: it multiplexes viewer chat, batches messages into agent turns, walks the sleep/idle/active ladder, and gates everything the agent says through the browser overlay.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadDotEnv()
	},
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.crawd/config.json5 or $CRAWD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator (same as running crawd with no arguments)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crawd %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// loadDotEnv pulls secrets (gateway token, chat API keys) from a .env.local
// in the working directory. A missing file is the normal case.
func loadDotEnv() {
	if _, err := os.Stat(".env.local"); err != nil {
		return
	}
	_ = godotenv.Load(".env.local")
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CRAWD_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
