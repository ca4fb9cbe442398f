package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"escrowline/internal/engine"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents and their API keys"}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentShowCmd())
	cmd.AddCommand(agentKeyCmd())
	cmd.AddCommand(agentPayoutCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var name, role string
	var skills []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent and print its API key once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg, err := e.RegisterAgent(ctx, engine.RegisterInput{Name: name, Role: role, Skills: skills})
				if err != nil {
					return err
				}
				return printJSONOr(reg, func() {
					fmt.Printf("Agent:   %s (%s, %s)\n", reg.Agent.ID, reg.Agent.Name, reg.Agent.Role)
					fmt.Printf("API key: %s\n", reg.APIKey)
					fmt.Println("Store the key now; it cannot be shown again.")
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&role, "role", "both", "employer, worker or both")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "skill tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOr(a, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					payout := ""
					if a.PayoutAccountID != nil {
						payout = *a.PayoutAccountID
					}
					tw.AppendRows([]table.Row{
						{"ID", a.ID},
						{"Name", a.Name},
						{"Role", a.Role},
						{"Skills", strings.Join(a.Skills, ", ")},
						{"Payout account", payout},
						{"Created", a.CreatedAt},
					})
					tw.Render()
				})
			})
		},
	}
}

func agentKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Issue or revoke API keys"}
	var name string
	issue := &cobra.Command{
		Use:   "issue <agent-id>",
		Short: "Issue an additional API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.IssueAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				out := map[string]any{"key_id": key.ID, "agent_id": key.AgentID, "api_key": plain}
				return printJSONOr(out, func() {
					fmt.Printf("Key %s for %s: %s\n", key.ID, key.AgentID, plain)
				})
			})
		},
	}
	issue.Flags().StringVar(&name, "name", "", "label for the key")
	revoke := &cobra.Command{
		Use:   "revoke <agent-id> <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[1])
				return nil
			})
		},
	}
	cmd.AddCommand(issue, revoke)
	return cmd
}

func agentPayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payout <account-id>",
		Short: "Set the payout account of the --as agent and release deferred transfers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.SetPayoutAccount(ctx, act, args[0])
				if err != nil {
					return err
				}
				return printJSONOr(res, func() {
					fmt.Printf("Payout account set for %s; %d deferred transfer(s) released\n", res.Agent.ID, res.Released)
				})
			})
		},
	}
}
