package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/liamcoop/queuerules/executor"
	"github.com/liamcoop/queuerules/history"
	"github.com/liamcoop/queuerules/queue"
	"github.com/liamcoop/queuerules/rules"
	"github.com/spf13/cobra"
)

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func newRunCmd(c *cli) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "run [rule-id...]",
		Short: "Run enabled rules now",
		Long: `Run every enabled rule, or only the listed ones, against the record store.

Exactly one history entry is written per invocation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := c.app.Executor.Execute(cmd.Context(), executor.Request{
				RuleIDs:     args,
				TriggeredBy: history.TriggerManual,
				User:        user,
			})
			if summary != nil {
				if perr := c.printSummary(cmd.OutOrStdout(), summary); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if !summary.Success {
				return errors.New("execution finished with errors")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "name recorded as the user who triggered the run")
	return cmd
}

func newCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one scheduler check: prune old history and run the rules that are due",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := c.app.Ticker.CheckNow(cmd.Context())
			if summary == nil && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no rules due")
				return nil
			}
			if summary != nil {
				if perr := c.printSummary(cmd.OutOrStdout(), summary); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func (c *cli) printSummary(w io.Writer, s *executor.Summary) error {
	if ok, err := c.printJSON(w, s); ok {
		return err
	}

	t := newTable(w, table.Row{"Rule", "Name", "Processed", "Updated", "Errors"})
	for _, r := range s.Rules {
		t.AppendRow(table.Row{r.RuleID, r.RuleName, r.Processed, r.Updated, strings.Join(r.Errors, "; ")})
	}
	t.AppendFooter(table.Row{"", "Total", s.RulesProcessed, s.RulesUpdated, fmt.Sprintf("%d failed", s.Failed)})
	t.Render()

	fmt.Fprintf(w, "execution %s success=%t duration=%dms\n", s.ExecutionID, s.Success, s.DurationMs)
	for _, e := range s.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, v := range s.ValidationErrors {
		fmt.Fprintf(w, "invalid transition: %s: %s\n", v.ID, v.Message)
	}
	return nil
}

func newRulesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List and manage rules",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all rules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				all, err := c.app.Engine.ListRules(cmd.Context())
				if err != nil {
					return err
				}
				return c.printRules(cmd.OutOrStdout(), all)
			},
		},
		&cobra.Command{
			Use:   "get <rule-id>",
			Short: "Show one rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rule, err := c.app.Engine.GetRule(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.printRules(cmd.OutOrStdout(), []*rules.Rule{rule})
			},
		},
		newToggleCmd(c, "enable", true),
		newToggleCmd(c, "disable", false),
		&cobra.Command{
			Use:   "delete <rule-id>",
			Short: "Delete a rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				deleted, err := c.app.Engine.DeleteRule(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("rule %s: %w", args[0], rules.ErrRuleNotFound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newToggleCmd(c *cli, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <rule-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := c.app.Engine.UpdateRule(cmd.Context(), args[0], rules.Patch{Enabled: &enabled})
			if err != nil {
				return err
			}
			return c.printRules(cmd.OutOrStdout(), []*rules.Rule{rule})
		},
	}
}

func (c *cli) printRules(w io.Writer, all []*rules.Rule) error {
	if ok, err := c.printJSON(w, all); ok {
		return err
	}

	t := newTable(w, table.Row{"ID", "Name", "Enabled", "Transition", "Trigger", "Last Run", "Moved"})
	for _, r := range all {
		lastRun := "never"
		if r.LastExecutedAt != nil {
			lastRun = r.LastExecutedAt.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{
			r.ID,
			r.Name,
			r.Enabled,
			fmt.Sprintf("%s -> %s", r.FromStatus, r.ToStatus),
			describeTrigger(r),
			lastRun,
			r.LastExecutionCount,
		})
	}
	t.Render()
	return nil
}

func describeTrigger(r *rules.Rule) string {
	if r.Kind == rules.KindConditionBased {
		return fmt.Sprintf("%d condition(s)", len(r.Conditions))
	}
	if r.TimeMode == rules.TimeModeSpecificDateTime {
		return strings.TrimSpace("at " + r.TargetDate + " " + r.TargetTime)
	}
	return fmt.Sprintf("after %d day(s)", r.ElapsedDays)
}

func newPreviewCmd(c *cli) *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "preview <rule-id>",
		Short: "Show which records a rule would move, without moving them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Executor.Preview(cmd.Context(), args[0], search)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if ok, err := c.printJSON(w, res); ok {
				return err
			}

			t := newTable(w, table.Row{"Record", "Name", "From", "To"})
			for _, p := range res.Proposals {
				t.AppendRow(table.Row{p.RecordID, p.RecordName, p.From, p.To})
			}
			t.AppendFooter(table.Row{"", "Total", len(res.Proposals), ""})
			t.Render()
			if res.Truncated {
				fmt.Fprintln(w, "results truncated by the page limit")
			}
			for _, e := range res.Errors {
				fmt.Fprintf(w, "error: %s\n", e)
			}
			for _, v := range res.ValidationErrors {
				fmt.Fprintf(w, "invalid transition: %s: %s\n", v.ID, v.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "only consider records whose name contains this text")
	return cmd
}

func newHistoryCmd(c *cli) *cobra.Command {
	var q history.Query
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := c.app.History.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if ok, err := c.printJSON(w, page); ok {
				return err
			}

			t := newTable(w, table.Row{"ID", "Time", "Trigger", "Rules", "Processed", "Updated", "Errors"})
			for _, e := range page.Entries {
				t.AppendRow(table.Row{
					e.ID,
					e.ExecutionTime.Format(time.RFC3339),
					e.TriggeredBy,
					e.RulesExecuted,
					e.RulesProcessed,
					e.RulesUpdated,
					len(e.Errors),
				})
			}
			t.AppendFooter(table.Row{"", "", "", "", "", "Total", page.Total})
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&q.Limit, "limit", history.DefaultLimit, "maximum number of entries")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "number of entries to skip")
	cmd.Flags().StringVar(&q.RuleID, "rule", "", "only entries that ran this rule")
	return cmd
}

func newPruneCmd(c *cli) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete history entries older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days == 0 {
				days = c.app.Config.Scheduler.RetentionDays
			}
			removed, err := c.app.History.Prune(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries older than %d days\n", removed, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "maximum age in days (default scheduler.retentionDays)")
	return cmd
}

func newTransitionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "transitions",
		Short: "Print the table of legal status transitions",
		Args:  cobra.NoArgs,
		// The table is static, so this command skips building the application
		PersistentPreRunE:  func(cmd *cobra.Command, args []string) error { return nil },
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			all := make(map[queue.Status][]queue.Status, len(queue.Statuses))
			for _, s := range queue.Statuses {
				all[s] = queue.AllowedTransitions(s)
			}
			if ok, err := c.printJSON(w, all); ok {
				return err
			}

			t := newTable(w, table.Row{"From", "Allowed"})
			for _, s := range queue.Statuses {
				names := make([]string, 0, len(all[s]))
				for _, to := range all[s] {
					names = append(names, to.String())
				}
				t.AppendRow(table.Row{s.String(), strings.Join(names, ", ")})
			}
			t.Render()
			return nil
		},
	}
}
