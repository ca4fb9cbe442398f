package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	cmd.AddCommand(auditTrailCmd())
	cmd.AddCommand(auditMineCmd())
	cmd.AddCommand(auditStatsCmd())
	return cmd
}

func auditTrailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trail <task-id>",
		Short: "Show a task's audit trail, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				entries, err := e.AuditTrail(ctx, act, args[0])
				if err != nil {
					return err
				}
				return printJSONOr(entries, func() { printEntries(entries) })
			})
		},
	}
}

func auditMineCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Show the newest entries written by the --as agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				entries, err := e.ActorHistory(ctx, act, act.ID, limit)
				if err != nil {
					return err
				}
				return printJSONOr(entries, func() { printEntries(entries) })
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultListLimit, "number of entries")
	return cmd
}

func printEntries(entries []domain.AuditEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Time", "Task", "Action", "Actor", "Details"})
	for _, en := range entries {
		details, _ := json.Marshal(en.Details)
		tw.AppendRow(table.Row{en.Seq, en.CreatedAt, en.TaskID, en.Action, en.Actor, string(details)})
	}
	tw.Render()
}

func auditStatsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Marketplace totals and the recent action histogram",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx, window)
				if err != nil {
					return err
				}
				return printJSONOr(stats, func() {
					fmt.Printf("Completed tasks: %d\n", stats.CompletedTasks)
					fmt.Printf("In escrow: %s   Captured: %s\n", stats.HeldCents, stats.CapturedCents)
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.SetTitle("Tasks by status")
					tw.AppendHeader(table.Row{"Status", "Count"})
					for _, k := range sortedKeys(stats.TasksByStatus) {
						tw.AppendRow(table.Row{k, stats.TasksByStatus[k]})
					}
					tw.Render()
					hist := table.NewWriter()
					hist.SetOutputMirror(os.Stdout)
					hist.SetTitle(fmt.Sprintf("Actions, last %dh", stats.WindowHours))
					hist.AppendHeader(table.Row{"Action", "Count"})
					for _, k := range sortedKeys(stats.ActionHistogram) {
						hist.AppendRow(table.Row{k, stats.ActionHistogram[k]})
					}
					hist.Render()
				})
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "histogram window")
	return cmd
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
