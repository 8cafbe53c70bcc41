package pghatch

import (
	"fmt"
	"os"

	"github.com/pghatch/pghatch-go/internal/config"
	"github.com/pghatch/pghatch-go/internal/util"
	"github.com/spf13/cobra"
)

var cfgFile string
var logLevel string
var cfg *config.Config
var rootCmd = &cobra.Command{
	Use:   "pghatch",
	Short: "pghatch is a dynamic PostgreSQL REST gateway",
	Long:  `pghatch introspects a PostgreSQL catalog and serves a REST API over it, staying in sync as the schema changes.`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		cmd.Help()
	},
}

// Main runs the CLI. Exit codes follow §6: 0 normal, 1 unrecoverable init
// failure, 2 config error.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", util.GetEnvOrDefault("PGHATCH_CONFIG", ""), "config file (default is $HOME/.config/pghatch.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log requests at this level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(2)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
}
