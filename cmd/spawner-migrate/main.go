package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/registry"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spawner-migrate",
	Short: "Copy instance records and role bindings between registries",
	Long: `Copy every instance record and role binding from one registry backend to
another, e.g. from the default bolt file into Postgres.

Examples:
  spawner-migrate --from-path /var/lib/spawner/registry.db \
    --to-driver postgres --to-dsn "host=db user=hub dbname=jupyterhub"

Records already present in the target are left alone. Stop the daemon first
when the source is a bolt file.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("from-driver", "bolt", "Source registry driver (bolt, sqlite, postgres)")
	rootCmd.Flags().String("from-path", "/var/lib/spawner/registry.db", "Source registry file")
	rootCmd.Flags().String("from-dsn", "", "Source registry DSN")
	rootCmd.Flags().String("to-driver", "postgres", "Target registry driver (bolt, sqlite, postgres)")
	rootCmd.Flags().String("to-path", "", "Target registry file")
	rootCmd.Flags().String("to-dsn", "", "Target registry DSN")
	rootCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.InfoLevel, Output: os.Stderr})
	logger := log.WithComponent("migrate")

	from := registryConfig(cmd, "from")
	to := registryConfig(cmd, "to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if from == to {
		return errors.New("source and target registries are the same")
	}

	src, err := registry.Open(from)
	if err != nil {
		return fmt.Errorf("failed to open source registry: %w", err)
	}
	defer src.Close()

	dst, err := registry.Open(to)
	if err != nil {
		return fmt.Errorf("failed to open target registry: %w", err)
	}
	defer dst.Close()

	logger.Info().
		Str("from", from.Driver).
		Str("to", to.Driver).
		Bool("dry_run", dryRun).
		Msg("Migrating registry")

	stats, err := migrate(cmd.Context(), src, dst, dryRun)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info().
		Int("records_copied", stats.RecordsCopied).
		Int("records_skipped", stats.RecordsSkipped).
		Int("roles_copied", stats.RolesCopied).
		Msg("Migration complete")

	if dryRun {
		fmt.Println("Dry run completed. No changes made.")
		fmt.Println("Run without --dry-run to perform the migration.")
	} else {
		fmt.Println("✓ Migration completed successfully!")
		fmt.Println("The source registry is unchanged.")
	}
	return nil
}

func registryConfig(cmd *cobra.Command, side string) registry.Config {
	driver, _ := cmd.Flags().GetString(side + "-driver")
	path, _ := cmd.Flags().GetString(side + "-path")
	dsn, _ := cmd.Flags().GetString(side + "-dsn")
	return registry.Config{Driver: driver, Path: path, DSN: dsn}
}

// Stats counts what a migration did or, in a dry run, would do
type Stats struct {
	RecordsCopied  int
	RecordsSkipped int
	RolesCopied    int
}

// migrate copies roles first so that records can carry role names that
// already resolve in the target.
func migrate(ctx context.Context, src, dst registry.Registry, dryRun bool) (Stats, error) {
	var stats Stats
	logger := log.WithComponent("migrate")

	roles, err := src.ListRoles(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list roles: %w", err)
	}
	for _, role := range roles {
		if !dryRun {
			if err := dst.PutRole(ctx, role); err != nil {
				return stats, fmt.Errorf("failed to copy role for %s: %w", role.UserID, err)
			}
		}
		stats.RolesCopied++
	}

	records, err := src.ListRecords(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list records: %w", err)
	}
	for _, rec := range records {
		if _, err := dst.GetRecord(ctx, rec.UserID); err == nil {
			logger.Warn().Str("user", rec.UserID).Msg("Target already tracks user, skipping")
			stats.RecordsSkipped++
			continue
		} else if !errors.Is(err, registry.ErrNotFound) {
			return stats, fmt.Errorf("failed to check target for %s: %w", rec.UserID, err)
		}

		if !dryRun {
			if err := dst.PutRecord(ctx, rec); err != nil {
				if errors.Is(err, registry.ErrAlreadyExists) {
					logger.Warn().Str("user", rec.UserID).Str("resource_id", rec.ResourceID).
						Msg("Resource or volume already tracked for another user, skipping")
					stats.RecordsSkipped++
					continue
				}
				return stats, fmt.Errorf("failed to copy record for %s: %w", rec.UserID, err)
			}
		}
		stats.RecordsCopied++
	}

	return stats, nil
}
