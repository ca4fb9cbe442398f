package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

func settlementCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settlement", Short: "Inspect and retry queued settlements and refunds"}
	cmd.AddCommand(settlementListCmd())
	cmd.AddCommand(settlementRetryCmd())
	return cmd
}

func settlementListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Outbox(ctx, domain.OutboxStatus(status))
				if err != nil {
					return err
				}
				return printJSONOr(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Task", "Kind", "Status", "Attempts", "Next attempt", "Last error"})
					for _, it := range items {
						tw.AppendRow(table.Row{it.TaskID, it.Kind, it.Status, it.Attempts, it.NextAttemptAt, it.LastError})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, done or dead")
	return cmd
}

func settlementRetryCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Run a queued settle or refund now, reviving it if it had given up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := domain.OutboxKind(kind)
			if k != domain.OutboxSettle && k != domain.OutboxRefund {
				return fmt.Errorf("--kind must be settle or refund")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.RetrySettlement(ctx, args[0], k)
				if err != nil {
					return err
				}
				return printJSONOr(item, func() {
					fmt.Printf("%s for %s is %s after %d attempt(s)\n", item.Kind, item.TaskID, item.Status, item.Attempts)
				})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.OutboxSettle), "settle or refund")
	return cmd
}
