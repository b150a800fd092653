package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/registry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// openRegistry opens the registry named in the configuration file. With the
// bolt driver this fails while the daemon holds the file.
func openRegistry(cmd *cobra.Command) (registry.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(registry.Config{
		Driver: cfg.Registry.Driver,
		Path:   cfg.Registry.Path,
		DSN:    cfg.Registry.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return reg, nil
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect tracked instances",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every user's instance record",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		records, err := reg.ListRecords(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No instances tracked")
			return nil
		}

		fmt.Printf("%-20s %-22s %-24s %-20s %s\n", "USER", "INSTANCE", "VOLUME", "ROLE", "CREATED")
		for _, rec := range records {
			fmt.Printf("%-20s %-22s %-24s %-20s %s\n",
				rec.UserID, rec.ResourceID, rec.VolumeID, rec.RoleName,
				rec.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var recordsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of tracked instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		n, err := reg.CountRecords(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage instance profile bindings",
}

var roleSetCmd = &cobra.Command{
	Use:   "set USER",
	Short: "Bind an instance profile to a user",
	Long: `Bind an instance profile to a user. The role is associated with the
user's instance on its next start.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		arn, _ := cmd.Flags().GetString("arn")
		bucket, _ := cmd.Flags().GetString("bucket")

		if err := types.ValidateUsername(args[0]); err != nil {
			return err
		}

		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		role := &types.RoleBinding{
			UserID:         args[0],
			RoleName:       name,
			RoleIdentifier: arn,
			StorageBucket:  bucket,
		}
		if err := reg.PutRole(cmd.Context(), role); err != nil {
			return fmt.Errorf("failed to save role: %w", err)
		}
		fmt.Printf("✓ Role %s bound to %s\n", name, args[0])
		return nil
	},
}

var roleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List role bindings",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		roles, err := reg.ListRoles(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %-24s %-50s %s\n", "USER", "ROLE", "ARN", "BUCKET")
		for _, role := range roles {
			fmt.Printf("%-20s %-24s %-50s %s\n", role.UserID, role.RoleName, role.RoleIdentifier, role.StorageBucket)
		}
		return nil
	},
}

func init() {
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsCountCmd)

	roleSetCmd.Flags().String("name", "", "Instance profile name")
	roleSetCmd.Flags().String("arn", "", "Instance profile ARN")
	roleSetCmd.Flags().String("bucket", "", "Storage bucket the role grants access to")
	_ = roleSetCmd.MarkFlagRequired("name")
	_ = roleSetCmd.MarkFlagRequired("arn")

	roleCmd.AddCommand(roleSetCmd)
	roleCmd.AddCommand(roleListCmd)

	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(roleCmd)
}
