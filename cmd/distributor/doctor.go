package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"distributor/internal/channel"
	"distributor/internal/config"
	"distributor/internal/orchestrator"
	"distributor/internal/queue"
	"distributor/internal/store"

	"github.com/spf13/cobra"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured provider and the queue backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report := a.orch.ProviderHealth(ctx)
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Healthy {
					return fmt.Errorf("unhealthy")
				}
				return nil
			})
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the distributor installation",
		Long: `Verifies that the configuration, database, queue backend, templates and
providers are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("distributor doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'distributor init' to create a default configuration.\n")
				return nil
			}
			pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config invalid")
			}
			pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := checkDatabase(ctx, cfg.Store.DBPath); err != nil {
				fail("Database", err.Error())
			} else {
				pass("Database", cfg.Store.DBPath)
			}

			if cfg.Queue.Backend == "redis" {
				rb := queue.NewRedisBackend(queue.RedisConfig{
					Addr:     cfg.Queue.Redis.Addr,
					Password: cfg.Queue.Redis.Password,
					DB:       cfg.Queue.Redis.DB,
					Prefix:   cfg.Queue.Redis.Prefix,
					Logger:   logger,
				})
				if err := rb.Ping(ctx); err != nil {
					fail("Queue backend", err.Error())
				} else {
					pass("Queue backend", "redis "+cfg.Queue.Redis.Addr)
				}
				rb.Close()
			} else {
				warn("Queue backend", "memory (queued jobs are lost on restart)")
			}

			if _, err := orchestrator.NewTemplateResolver(cfg.Templates); err != nil {
				fail("Templates", err.Error())
			} else {
				pass("Templates", fmt.Sprintf("%d channel templates", len(cfg.Templates)))
			}

			registry := channel.NewFactory(cfg.Providers, logger).Registry(nil)
			channels := registry.Channels()
			if len(channels) == 0 {
				fail("Providers", "no provider has credentials")
			}
			for _, ch := range channels {
				ad, _ := registry.Adapter(ch)
				for _, p := range ad.AvailableProviders() {
					name := fmt.Sprintf("%s/%s", ch, p)
					if err := ad.TestProvider(ctx, p); err != nil {
						warn(name, err.Error())
					} else {
						pass(name, "reachable")
					}
				}
			}

			if cfg.Server.Enabled {
				if err := checkPort(cfg.Server.Addr()); err != nil {
					warn("HTTP address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
				} else {
					pass("HTTP address", cfg.Server.Addr()+" available")
				}
				if cfg.Server.WebhookSecret == "" {
					warn("Webhook secret", "not set; delivery-report callbacks are refused")
				}
				if cfg.Server.AdminToken == "" {
					warn("Admin token", "not set; queue administration and the event stream are disabled")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkDatabase opens the store, which runs pending migrations, and pings it.
func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	schemaVersion, err := store.GetSchemaVersion(st.DB())
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	logger.Debug("database ok", "schema_version", schemaVersion)
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
