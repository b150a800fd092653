package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spawner",
	Short: "Spawner - per-user EC2 notebook servers for JupyterHub",
	Long: `Spawner gives every hub user a dedicated EC2 instance with a
persistent EBS home volume, and starts, stops, terminates and health-checks
those instances on the hub's behalf.

Run "spawner serve" on the hub host; the other commands talk to it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.Level(level),
			JSONOutput: jsonOutput,
			Output:     os.Stderr,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Spawner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", config.DefaultPath, "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("api-addr", "127.0.0.1:8090", "Spawner API address")
	rootCmd.PersistentFlags().String("registry", "", "Registry file, or DSN for postgres (overrides registry.path/dsn)")
}

// loadConfig reads the file named by --config and applies --registry
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if reg, _ := cmd.Flags().GetString("registry"); reg != "" {
		if cfg.Registry.Driver == "postgres" {
			cfg.Registry.DSN = reg
		} else {
			cfg.Registry.Path, cfg.Registry.DSN = reg, ""
		}
	}
	return cfg, nil
}
