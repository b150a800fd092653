package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/client"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("api-addr")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}

var startCmd = &cobra.Command{
	Use:   "start USER",
	Short: "Start a user's notebook server",
	Long: `Start a user's notebook server, provisioning an instance and volume if the
user has none, resuming a stopped one, or relaunching the notebook on a
running one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceType, _ := cmd.Flags().GetString("instance-type")
		volumeID, _ := cmd.Flags().GetString("volume-id")
		volumeSize, _ := cmd.Flags().GetInt("volume-size")
		snapshotID, _ := cmd.Flags().GetString("snapshot-id")
		envPairs, _ := cmd.Flags().GetStringArray("env")

		env, err := parseEnv(envPairs)
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		fmt.Printf("Starting notebook for %s...\n", args[0])
		ep, err := c.Start(cmd.Context(), args[0], types.UserOptions{
			InstanceType:     instanceType,
			ExistingVolumeID: volumeID,
			VolumeSize:       volumeSize,
			SnapshotID:       snapshotID,
			Env:              env,
		})
		if err != nil {
			if client.IsUnavailable(err) {
				return fmt.Errorf("server unavailable, try again shortly: %w", err)
			}
			return err
		}

		fmt.Printf("✓ Notebook running at %s\n", ep)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop USER",
	Short: "Stop a user's instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.Stop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate USER",
	Short: "Terminate a user's instance",
	Long: `Terminate a user's instance. The home volume and its record are kept, so the
next start reattaches the volume to a new instance. --delete-volume deletes the
volume and forgets the user.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteVolume, _ := cmd.Flags().GetBool("delete-volume")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.Terminate(cmd.Context(), args[0], deleteVolume)
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll USER",
	Short: "Check whether a user's notebook is healthy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.Poll(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if resp.Healthy {
			fmt.Println("✓ healthy")
			return nil
		}
		fmt.Printf("✗ %s: %s\n", resp.Status, resp.Message)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [USER]",
	Short: "Query the gRPC health service",
	Long: `Query the daemon's gRPC health service. Without a user the daemon's own
readiness is reported.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		user := ""
		if len(args) == 1 {
			user = args[0]
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.CheckUser(cmd.Context(), grpcAddr, user)
		if err != nil {
			return err
		}
		fmt.Println(status.String())
		return nil
	},
}

func init() {
	startCmd.Flags().String("instance-type", "", "Instance type (default from configuration)")
	startCmd.Flags().String("volume-id", "", "Existing EBS volume to use as home")
	startCmd.Flags().Int("volume-size", 0, "Size in GB of a new home volume")
	startCmd.Flags().String("snapshot-id", "", "Snapshot to create the home volume from")
	startCmd.Flags().StringArray("env", nil, "Environment for the notebook (KEY=VALUE, repeatable)")

	terminateCmd.Flags().Bool("delete-volume", false, "Also delete the user's home volume")

	checkCmd.Flags().String("grpc-addr", "127.0.0.1:8091", "Spawner gRPC health address")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(checkCmd)
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}
