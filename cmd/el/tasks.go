package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Post, claim, deliver and review tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskClaimCmd())
	cmd.AddCommand(taskUnclaimCmd())
	cmd.AddCommand(taskCancelCmd())
	cmd.AddCommand(taskSubmitCmd())
	cmd.AddCommand(taskAcceptCmd())
	cmd.AddCommand(taskRejectCmd())
	cmd.AddCommand(taskDownloadCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var in engine.CreateTaskInput
	var budget float64
	var within time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a task and put its budget in escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				if in.Deadline == "" {
					in.Deadline = time.Now().UTC().Add(within).Format(time.RFC3339)
				}
				if in.Budget, err = domain.MoneyFromFloat(budget); err != nil {
					return &engine.Error{Reason: engine.ReasonValidation, Message: "--budget is out of range", Err: err}
				}
				in.Via = "cli"
				created, err := e.CreateTask(ctx, act, in)
				if err != nil {
					return err
				}
				return printJSONOr(created, func() {
					t := created.Task
					fmt.Printf("Task %s posted (%s, budget %s, payment %s)\n", t.ID, t.Status, t.Budget, t.PaymentStatus)
					fmt.Printf("Task token: %s\n", created.Token)
				})
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "task description")
	cmd.Flags().StringSliceVar(&in.Skills, "skill", nil, "required skill (repeatable)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget in major currency units; 0 posts a free task")
	cmd.Flags().StringVar(&in.Deadline, "deadline", "", "RFC3339 deadline (overrides --within)")
	cmd.Flags().DurationVar(&within, "within", 72*time.Hour, "deadline relative to now")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOr(tasks, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Title", "Status", "Budget", "Payment", "Worker", "Deadline"})
					for _, t := range tasks {
						worker := ""
						if t.WorkerID != nil {
							worker = *t.WorkerID
						}
						tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Budget, t.PaymentStatus, worker, t.Deadline})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Skill, "skill", "", "skill filter")
	cmd.Flags().StringVar(&f.EmployerID, "employer-id", "", "employer filter")
	cmd.Flags().StringVar(&f.WorkerID, "worker-id", "", "worker filter")
	cmd.Flags().IntVar(&f.Limit, "limit", engine.DefaultListLimit, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its submissions, reviews and settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.TaskDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOr(d, func() { printTaskDetail(d) })
			})
		},
	}
}

func printTaskDetail(d engine.TaskDetail) {
	t := d.Task
	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("  status %s, payment %s, budget %s, deadline %s\n", t.Status, t.PaymentStatus, t.Budget, t.Deadline)
	if t.WorkerID != nil {
		fmt.Printf("  worker %s\n", *t.WorkerID)
	}
	if len(d.Submissions) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Submissions")
		tw.AppendHeader(table.Row{"ID", "File", "Size", "Review", "Issues", "Submitted"})
		for _, s := range d.Submissions {
			tw.AppendRow(table.Row{s.ID, s.FileName, s.SizeBytes, s.ReviewStatus, strings.Join(s.ReviewIssues, "; "), s.SubmittedAt})
		}
		tw.Render()
	}
	if len(d.Reviews) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Reviews")
		tw.AppendHeader(table.Row{"ID", "Result", "Rating", "Feedback"})
		for _, r := range d.Reviews {
			rating := ""
			if r.Rating != nil {
				rating = fmt.Sprint(*r.Rating)
			}
			tw.AppendRow(table.Row{r.ID, r.Result, rating, r.Feedback})
		}
		tw.Render()
	}
	if s := d.Settlement; s != nil {
		fmt.Printf("  settlement %s: worker %s, fee %s of %s\n", s.Status, s.WorkerAmount, s.PlatformFee, s.Total)
	}
}

func taskClaimCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim an open task with its task token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskAction(cmd.Context(), func(ctx context.Context, e engine.Engine, act engine.Actor) (domain.Task, error) {
				return e.Claim(ctx, act, args[0], token)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "task token from the employer")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func taskUnclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unclaim <task-id>",
		Short: "Give a claimed task back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskAction(cmd.Context(), func(ctx context.Context, e engine.Engine, act engine.Actor) (domain.Task, error) {
				return e.Unclaim(ctx, act, args[0])
			})
		},
	}
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an open or claimed task and refund its escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskAction(cmd.Context(), func(ctx context.Context, e engine.Engine, act engine.Actor) (domain.Task, error) {
				return e.Cancel(ctx, act, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is cancelled")
	return cmd
}

func runTaskAction(ctx context.Context, fn func(context.Context, engine.Engine, engine.Actor) (domain.Task, error)) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		act, err := actor(ctx, e)
		if err != nil {
			return err
		}
		t, err := fn(ctx, e, act)
		if err != nil {
			return err
		}
		return printJSONOr(t, func() {
			fmt.Printf("Task %s is %s (payment %s)\n", t.ID, t.Status, t.PaymentStatus)
		})
	})
}

func taskSubmitCmd() *cobra.Command {
	var notes, name string
	cmd := &cobra.Command{
		Use:   "submit <task-id> <file>",
		Short: "Submit a deliverable for automated review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.Submit(ctx, act, args[0], engine.SubmitInput{FileName: name, Data: data, Notes: notes})
				var rejected bool
				switch {
				case engine.IsReason(err, engine.ReasonPolicyRejected), engine.IsReason(err, engine.ReasonIntegrityFailed):
					rejected = true
				case err != nil:
					return err
				}
				if perr := printJSONOr(res, func() {
					fmt.Printf("Submission %s (%s, digest %s)\n", res.Submission.ID, res.Submission.FileName, res.Submission.Digest)
					if res.Verdict.Approved {
						fmt.Printf("Approved by automated review; task %s is %s\n", res.Task.ID, res.Task.Status)
						return
					}
					fmt.Printf("Rejected by automated review: %s\n", res.Verdict.Reason)
					for _, issue := range res.Verdict.Issues {
						fmt.Printf("  - %s\n", issue)
					}
				}); perr != nil {
					return perr
				}
				if rejected {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the employer")
	cmd.Flags().StringVar(&name, "name", "", "file name to record (defaults to the file's base name)")
	return cmd
}

func taskAcceptCmd() *cobra.Command {
	var rating int
	var feedback string
	cmd := &cobra.Command{
		Use:   "accept <task-id>",
		Short: "Accept the deliverable and pay the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				in := engine.AcceptInput{Feedback: feedback}
				if cmd.Flags().Changed("rating") {
					in.Rating = &rating
				}
				res, err := e.Accept(ctx, act, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOr(res, func() {
					fmt.Printf("Task %s completed (payment %s)\n", res.Task.ID, res.Task.PaymentStatus)
					if res.SettlementError != "" {
						fmt.Printf("Settlement queued for retry: %s\n", res.SettlementError)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating from 1 to 5")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for the worker")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Send the deliverable back with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				rev, err := e.Reject(ctx, act, args[0], feedback)
				if err != nil {
					return err
				}
				return printJSONOr(rev, func() {
					fmt.Printf("Review %s recorded; the worker may resubmit\n", rev.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "what needs to change")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func taskDownloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <submission-id>",
		Short: "Download a deliverable after re-verifying its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := actor(ctx, e)
				if err != nil {
					return err
				}
				dl, err := e.OpenSubmission(ctx, act, args[0])
				if err != nil {
					return err
				}
				target := out
				if target == "" {
					target = filepath.Base(dl.Submission.FileName)
				}
				if target == "." || target == string(filepath.Separator) {
					return errors.New("cannot derive an output name; pass --out")
				}
				if err := os.WriteFile(target, dl.Data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s (%d bytes, digest %s)\n", target, len(dl.Data), dl.Submission.Digest)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path")
	return cmd
}
