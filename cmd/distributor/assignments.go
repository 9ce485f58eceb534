package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"distributor/internal/domain"
	"distributor/internal/orchestrator"

	"github.com/spf13/cobra"
)

// dispatchFlags are shared by every command that sends an assignment.
type dispatchFlags struct {
	mode      string
	providers []string
}

func (d *dispatchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.mode, "mode", string(domain.ModeImmediate), "dispatch mode: immediate or queued (queued needs the redis backend)")
	cmd.Flags().StringSliceVar(&d.providers, "providers", nil, "provider fallback order override")
}

// options checks that a queued dispatch will reach a worker: jobs put on the
// in-memory backend die with this process.
func (d *dispatchFlags) options(a *app) (orchestrator.ProcessOptions, error) {
	mode := domain.DispatchMode(d.mode)
	if mode == domain.ModeQueued && a.cfg.Queue.Backend != "redis" {
		return orchestrator.ProcessOptions{}, errors.New("queued dispatch from the command line needs queue.backend=redis")
	}
	return orchestrator.ProcessOptions{Mode: mode, Providers: d.providers}, nil
}

func distributeCmd() *cobra.Command {
	var send bool
	var df dispatchFlags
	cmd := &cobra.Command{
		Use:   "distribute [document.json]",
		Short: "Evaluate rules against a document (or array of documents) and record the assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocuments(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				opts, err := df.options(a)
				if err != nil && send {
					return err
				}
				var failed int
				for _, doc := range docs {
					if doc.TenantID == "" {
						doc.TenantID = a.cfg.General.DefaultTenant
					}
					asg, err := a.orch.Distribute(ctx, doc)
					if err != nil {
						failed++
						fmt.Printf("  [FAIL] %s: %v\n", doc.ID, err)
						continue
					}
					if asg == nil {
						fmt.Printf("  [NONE] %s: no active rule matched\n", doc.ID)
						continue
					}
					fmt.Printf("  [OK]   %s -> %s (%s) %s\n", doc.ID, asg.AssignedChannel, asg.ID, asg.Reason)
					if !send {
						continue
					}
					res, err := a.orch.Process(ctx, asg.TenantID, asg.ID, opts)
					if err != nil {
						failed++
						fmt.Printf("  [FAIL] %s: %v\n", asg.ID, err)
						continue
					}
					printResult(*res)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d documents failed", failed, len(docs))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "dispatch each assignment right after creating it")
	df.register(cmd)
	return cmd
}

func processCmd() *cobra.Command {
	var tenant string
	var df dispatchFlags
	cmd := &cobra.Command{
		Use:   "process [assignment-id...]",
		Short: "Dispatch pending assignments through their channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				opts, err := df.options(a)
				if err != nil {
					return err
				}
				failed := 0
				for _, res := range a.orch.ProcessBatch(ctx, a.tenant(tenant), args, opts) {
					printResult(res)
					if !res.Success {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d assignments not dispatched", failed, len(args))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id (default: general.defaultTenant)")
	df.register(cmd)
	return cmd
}

func assignmentsCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:     "assignments",
		Aliases: []string{"assignment"},
		Short:   "Inspect and manage channel assignments",
	}
	cmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", "", "tenant id (default: general.defaultTenant)")

	var channel, status, ruleID string
	var page, limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List assignments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				f := domain.ListFilter{TenantID: a.tenant(tenant), RuleID: ruleID, Page: page, Limit: limit}
				if channel != "" {
					ch, err := domain.ParseChannel(channel)
					if err != nil {
						return err
					}
					f.Channel = ch
				}
				if status != "" {
					st, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					f.Status = st
				}
				items, total, err := a.orch.ListAssignments(ctx, f)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDOCUMENT\tCHANNEL\tSTATUS\tCREATED\tERROR")
				for _, it := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", it.ID, it.DocumentID, it.AssignedChannel, it.Status,
						it.CreatedAt.Format("2006-01-02 15:04:05"), it.Error)
				}
				tw.Flush()
				fmt.Printf("%d of %d assignments\n", len(items), total)
				return nil
			})
		},
	}
	list.Flags().StringVar(&channel, "channel", "", "filter by channel")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&ruleID, "rule", "", "filter by rule id")
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show an assignment with its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				asg, err := a.orch.GetAssignment(ctx, a.tenant(tenant), args[0])
				if err != nil {
					return err
				}
				return printJSON(asg)
			})
		},
	})

	var manualChannel, reason string
	create := &cobra.Command{
		Use:   "create [document.json]",
		Short: "Assign a document to a channel by hand, bypassing the rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := domain.ParseChannel(manualChannel)
			if err != nil {
				return err
			}
			docs, err := readDocuments(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items := make([]domain.NewAssignment, len(docs))
				for i, doc := range docs {
					if doc.TenantID == "" {
						doc.TenantID = a.tenant(tenant)
					}
					items[i] = orchestrator.ManualAssignment(doc, ch, reason)
				}
				failed := 0
				for _, res := range a.orch.CreateAssignments(ctx, items) {
					if res.Error != "" {
						failed++
						fmt.Printf("  [FAIL] #%d %s\n", res.Index, res.Error)
						continue
					}
					fmt.Printf("  [OK]   #%d %s\n", res.Index, res.Assignment.ID)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d assignments rejected", failed, len(items))
				}
				return nil
			})
		},
	}
	create.Flags().StringVar(&manualChannel, "channel", "", "target channel (required)")
	create.Flags().StringVar(&reason, "reason", "manual assignment", "reason recorded on the assignment")
	create.MarkFlagRequired("channel")
	cmd.AddCommand(create)

	var df dispatchFlags
	resend := &cobra.Command{
		Use:   "resend [id]",
		Short: "Dispatch a finished assignment again as a new assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				opts, err := df.options(a)
				if err != nil {
					return err
				}
				res, err := a.orch.Resend(ctx, a.tenant(tenant), args[0], opts)
				if err != nil {
					return err
				}
				printResult(*res)
				return nil
			})
		},
	}
	df.register(resend)
	cmd.AddCommand(resend)

	var reportErr string
	report := &cobra.Command{
		Use:   "report [id] [delivered|bounced|failed]",
		Short: "Record a delivery outcome reported out of band",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				asg, err := a.orch.ReportDelivery(ctx, a.tenant(tenant), args[0], st, reportErr)
				if err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", asg.ID, asg.Status)
				return nil
			})
		},
	}
	report.Flags().StringVar(&reportErr, "error", "", "error detail for bounced or failed")
	cmd.AddCommand(report)

	return cmd
}

// readDocuments decodes a JSON document or a JSON array of documents.
func readDocuments(path string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var docs []domain.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return docs, nil
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []domain.Document{doc}, nil
}

func printResult(res domain.DistributionResult) {
	if !res.Success {
		fmt.Printf("  [FAIL] %s (%s): %s\n", res.AssignmentID, res.Mode, res.Error)
		return
	}
	detail := res.JobID
	if res.Result != nil {
		detail = fmt.Sprintf("%s %s", res.Result.ProviderName, res.Result.ProviderMessageID)
	}
	fmt.Printf("  [SENT] %s (%s) %s %s\n", res.AssignmentID, res.Mode, res.Status, detail)
}
