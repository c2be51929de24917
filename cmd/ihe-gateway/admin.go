package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/ihegateway/internal/config"
	"github.com/ehr/ihegateway/internal/gateway/delegation"
	"github.com/ehr/ihegateway/internal/platform/db"
	"github.com/ehr/ihegateway/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := requirePool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS, schema).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := requirePool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

// grantWriter is implemented by the postgres and redis delegation sources.
type grantWriter interface {
	Grant(ctx context.Context, principalOID, delegateOID string) error
}

func delegationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delegation",
		Short: "Manage which organizations may query on behalf of others",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <principal-oid>",
		Short: "List the delegates of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := requirePool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			grants, err := delegation.NewPGSource(pool).List(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRINCIPAL\tDELEGATE\tGRANTED AT")
			for _, g := range grants {
				fmt.Fprintf(w, "%s\t%s\t%s\n", g.PrincipalOID, g.DelegateOID, g.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "grant <principal-oid> <delegate-oid>",
		Short: "Allow a delegate to query on behalf of a principal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()

			var w grantWriter
			if cfg.DelegationSource == config.DelegationRedis {
				client, err := newRedisClient(cfg)
				if err != nil {
					return err
				}
				defer client.Close()
				w = delegation.NewRedisSource(client)
			} else {
				pool, err := requirePool(ctx, cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
				w = delegation.NewPGSource(pool)
			}

			if err := w.Grant(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Granted %s to act for %s (source: %s).\n", args[1], args[0], cfg.DelegationSource)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <principal-oid> <delegate-oid>",
		Short: "Withdraw a delegation grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := requirePool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			removed, err := delegation.NewPGSource(pool).Revoke(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no grant from %s to %s", args[0], args[1])
			}
			fmt.Printf("Revoked %s acting for %s.\n", args[1], args[0])
			return nil
		},
	})

	return cmd
}
