package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"distributor/internal/domain"
	"distributor/internal/rules"

	"github.com/spf13/cobra"
)

func rulesCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage distribution rules",
	}
	cmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", "", "tenant id (default: general.defaultTenant)")

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file-or-dir]",
		Short: "Import rules from a YAML rule set, a directory of them, or a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				path := args[0]
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				if info.IsDir() {
					return a.importRuleDir(ctx, path, tenant)
				}
				rs, err := readRuleFile(path, tenant)
				if err != nil {
					return err
				}
				a.defaultTenant(rs)
				failed := 0
				for _, res := range a.orch.ImportRules(ctx, rs) {
					if res.Error != "" {
						failed++
						fmt.Printf("  [FAIL] #%d %s\n", res.Index, res.Error)
						continue
					}
					fmt.Printf("  [%-9s] %s %s -> %s\n", res.Action, res.Rule.ID, res.Rule.Name, res.Rule.TargetChannel)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d rules rejected", failed, len(rs))
				}
				return nil
			})
		},
	})

	var channel string
	var page, limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				f := domain.ListFilter{TenantID: a.tenant(tenant), Page: page, Limit: limit}
				if channel != "" {
					ch, err := domain.ParseChannel(channel)
					if err != nil {
						return err
					}
					f.Channel = ch
				}
				rs, total, err := a.orch.ListRules(ctx, f)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tCHANNEL\tPRIORITY\tACTIVE")
				for _, r := range rs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%v\n", r.ID, r.Name, r.RuleType, r.TargetChannel, r.Priority, r.IsActive)
				}
				tw.Flush()
				fmt.Printf("%d of %d rules\n", len(rs), total)
				return nil
			})
		},
	}
	list.Flags().StringVar(&channel, "channel", "", "only rules targeting this channel")
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				r, err := a.orch.GetRule(ctx, a.tenant(tenant), args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Soft-delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.orch.DeleteRule(ctx, a.tenant(tenant), args[0]); err != nil {
					return err
				}
				logger.Info("rule deleted", "id", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Check a rule file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig(true)
			if err != nil {
				return err
			}
			defer closeLog()
			rs, err := readRuleFile(args[0], tenant)
			if err != nil {
				return err
			}
			ev, err := rules.NewEvaluator(rules.Options{
				RejectUnboundedAmountRules: cfg.Rules.RejectUnboundedAmount,
				CustomCostLimit:            cfg.Rules.CustomCostLimit,
				ProgramCacheSize:           cfg.Rules.ProgramCacheSize,
				Logger:                     logger,
			})
			if err != nil {
				return err
			}
			failed := 0
			for i, r := range rs {
				if r.TenantID == "" {
					r.TenantID = cfg.General.DefaultTenant
				}
				if err := ev.ValidateRule(r); err != nil {
					failed++
					fmt.Printf("  [FAIL] #%d %s: %v\n", i, r.Name, err)
					continue
				}
				fmt.Printf("  [PASS] #%d %s\n", i, r.Name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rules invalid", failed, len(rs))
			}
			return nil
		},
	})

	return cmd
}

// readRuleFile accepts a JSON array of rules or a YAML rule set.
func readRuleFile(path, tenant string) ([]domain.Rule, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var rs []domain.Rule
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if tenant != "" {
			for i := range rs {
				rs[i].TenantID = tenant
			}
		}
		return rs, nil
	}
	return rules.LoadRuleFile(path, tenant)
}

// withApp builds the runtime without the HTTP server or Kafka forwarding,
// runs fn and tears everything down again.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, closeLog, err := loadConfig(false)
	if err != nil {
		return err
	}
	defer closeLog()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}

// tenant returns the explicit tenant or the configured default.
func (a *app) tenant(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return a.cfg.General.DefaultTenant
}
