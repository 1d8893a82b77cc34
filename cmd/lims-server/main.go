package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/staff"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Laboratory information management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LIMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationFS returns dir on disk when given, otherwise the migrations
// compiled into the binary.
func migrationFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// connect loads config and opens a pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// tenantContext pins a connection to the tenant's schema the way the HTTP
// tenant middleware does, so repositories work unchanged from the CLI.
func tenantContext(ctx context.Context, pool *pgxpool.Pool, tenant string) (context.Context, func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", db.SchemaFor(tenant))); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path: %w", err)
	}
	ctx = db.WithTenant(ctx, tenant)
	ctx = context.WithValue(ctx, db.DBConnKey, conn)
	return ctx, conn.Release, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			schema := db.SchemaFor(tenant)
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigratorFS(pool, migrationFS(dir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Laboratory tenant (defaults to DEFAULT_TENANT)")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			schema := db.SchemaFor(tenant)
			statuses, err := db.NewMigratorFS(pool, migrationFS(dir)).Status(ctx, schema)
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
	statusCmd.Flags().String("tenant", "", "Laboratory tenant (defaults to DEFAULT_TENANT)")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage laboratory tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a laboratory schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrationFS(cfg.MigrationsDir)); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load departments, units, tests and panels from a YAML catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			if path == "" {
				return fmt.Errorf("--file is required")
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := catalog.ParseSeed(f)
			if err != nil {
				return err
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			ctx, release, err := tenantContext(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := catalog.NewService(catalog.NewRepoPG(pool), db.NewTransactor(pool), zerolog.Nop())
			report, err := svc.Seed(ctx, seed)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Printf("Seeded %s: %d created, %d already present.\n", tenant, report.Created, report.Skipped)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the catalog YAML file")
	cmd.Flags().String("tenant", "", "Laboratory tenant (defaults to DEFAULT_TENANT)")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage staff accounts",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a staff account",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			username, _ := cmd.Flags().GetString("username")
			name, _ := cmd.Flags().GetString("name")
			roles, _ := cmd.Flags().GetStringSlice("role")
			department, _ := cmd.Flags().GetString("department")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("LIMS_USER_PASSWORD")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			ctx, release, err := tenantContext(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := staff.NewService(staff.NewRepoPG(pool), nil, nil, auth.DefaultPolicy(), zerolog.Nop())
			u, err := svc.Create(ctx, staff.CreateInput{
				Username:   username,
				FullName:   name,
				Password:   password,
				Roles:      roles,
				Department: department,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created user %s (%s) with roles %s\n", u.Username, u.ID, strings.Join(u.Roles, ","))
			return nil
		},
	}
	addCmd.Flags().String("tenant", "", "Laboratory tenant (defaults to DEFAULT_TENANT)")
	addCmd.Flags().String("username", "", "Login name")
	addCmd.Flags().String("name", "", "Full name")
	addCmd.Flags().StringSlice("role", nil, "Role, repeatable (admin, receptionist, phlebotomist, lab_technician, pathologist, accountant)")
	addCmd.Flags().String("department", "", "Department the user works in")
	addCmd.Flags().String("password", "", "Initial password (or LIMS_USER_PASSWORD)")
	cmd.AddCommand(addCmd)

	return cmd
}
