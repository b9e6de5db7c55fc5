package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/kanban"
	"github.com/basket/go-crew/internal/persistence"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Kanban task commands",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskMoveCmd())
	cmd.AddCommand(newTaskShowCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		project     string
		title       string
		description string
		column      string
		blockedBy   []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task to a project's board",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			nt := kanban.NewTask{Title: title, Description: description, BlockedBy: blockedBy}
			if column != "" {
				c, err := persistence.ParseColumn(column)
				if err != nil {
					return err
				}
				nt.Column = c
			}
			if project == "" {
				project = env.defaultProject()
			}
			t, err := env.scheduler(project).CreateTask(cmd.Context(), nt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %s in %s/%s\n", t.ID, t.ProjectID, t.Column)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id (default: first configured project)")
	cmd.Flags().StringVar(&title, "title", "", "task title (required)")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&column, "column", "", "starting column: backlog (default) or triage")
	cmd.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "ids of tasks that must be done first")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		project string
		column  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			var col persistence.Column
			if column != "" {
				if col, err = persistence.ParseColumn(column); err != nil {
					return err
				}
			}
			if project == "" {
				project = env.defaultProject()
			}
			tasks, err := env.scheduler(project).ListTasks(cmd.Context(), col)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			writeTaskTable(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id (default: first configured project)")
	cmd.Flags().StringVar(&column, "column", "", "only list tasks in this column")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTaskMoveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "move <task-id> <column>",
		Short: "Move a task to another column through the board guard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, err := persistence.ParseColumn(args[1])
			if err != nil {
				return err
			}
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			t, err := env.store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := env.scheduler(t.ProjectID).UpdateTask(cmd.Context(), t.ID, kanban.TaskUpdate{
				Column: &col,
				Reason: reason,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			if res.Status == kanban.GuardRejected {
				return fmt.Errorf("move rejected")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is moving back (recorded on failure)")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			t, err := env.store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func writeTaskTable(w io.Writer, tasks []persistence.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOLUMN\tPOS\tRETRIES\tASSIGNEE\tTITLE")
	for _, t := range tasks {
		assignee := t.AssigneeAgentID
		if assignee == "" {
			assignee = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", t.ID, t.Column, t.Position, t.RetryCount, assignee, t.Title)
	}
	_ = tw.Flush()
}

func writeTask(w io.Writer, t *persistence.Task) {
	fmt.Fprintf(w, "ID:          %s\n", t.ID)
	fmt.Fprintf(w, "Project:     %s\n", t.ProjectID)
	fmt.Fprintf(w, "Title:       %s\n", t.Title)
	fmt.Fprintf(w, "Column:      %s\n", t.Column)
	fmt.Fprintf(w, "Retries:     %d\n", t.RetryCount)
	if t.AssigneeAgentID != "" {
		fmt.Fprintf(w, "Assignee:    %s\n", t.AssigneeAgentID)
	}
	if len(t.BlockedBy) > 0 {
		fmt.Fprintf(w, "Blocked by:  %s\n", strings.Join(t.BlockedBy, ", "))
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
	if t.CompletionReport != "" {
		fmt.Fprintf(w, "\nReport:\n%s\n", t.CompletionReport)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
