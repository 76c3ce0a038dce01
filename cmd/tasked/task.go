package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tasked/tasked/internal/api"
	"github.com/tasked/tasked/internal/editor"
	"github.com/tasked/tasked/internal/engine"
	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/ui"
)

const pollInterval = 20 * time.Millisecond

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "work",
	Short:   "Show and change a single task",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and the projects it belongs to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		return showTask(ctx, cmd, client, args[0], format)
	},
}

func showTask(ctx context.Context, cmd *cobra.Command, client *api.Client, id string, format ui.Format) error {
	task, err := client.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("task %s not found", id)
		}
		return fmt.Errorf("failed to load task %s: %w", id, err)
	}
	projects, err := client.TaskProjects(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load projects of task %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if format != ui.FormatTable {
		titles := make([]string, len(projects))
		for i, p := range projects {
			titles[i] = p.Title
		}
		return ui.Encode(out, format, struct {
			taskRow  `yaml:",inline"`
			Projects []string `json:"projects" yaml:"projects"`
		}{newTaskRow(task), titles})
	}

	fmt.Fprintf(out, "\n%s %s\n\n", ui.RenderAccent(task.ID), task.Title)
	fmt.Fprintf(out, "Status:      %s\n", task.Status)
	if !task.DueDate.IsZero() {
		fmt.Fprintf(out, "Due:         %s\n", task.DueDate)
	}
	if d := task.DescriptionText(); d != "" {
		fmt.Fprintf(out, "Description: %s\n", d)
	}
	if len(projects) > 0 {
		names := make([]string, len(projects))
		for i, p := range projects {
			names[i] = p.Title
		}
		fmt.Fprintf(out, "Projects:    %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(out, "Created:     %s\n\n", task.CreatedAt.Local().Format("2006-01-02 15:04"))
	return nil
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id> [status]",
	Short: "Advance or set the status of a task",
	Long: `Without a status, advance the task one step: Todo to In Progress to
Complete. A complete task is not changed; its details are shown instead.

With a status (todo, in_progress, complete, or the labels "In Progress" etc.)
set it directly.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		var target *model.Status
		if len(args) == 2 {
			s, err := model.ParseStatus(args[1])
			if err != nil {
				return err
			}
			target = &s
		}

		ctx, cancel := commandContext()
		defer cancel()

		var (
			action editor.Action
			status model.Status
		)
		err := withEditor(ctx, id, func(ed *editor.TaskEditor) error {
			if target != nil {
				status = *target
				return ed.SetStatus(*target)
			}
			var err error
			action, err = ed.CycleStatus()
			status = ed.Controls().Status.Value()
			return err
		})
		if err != nil {
			return err
		}

		if action == editor.ActionOpenDetail {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Task is complete; showing details.\n", ui.RenderMuted("i"))
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			return showTask(ctx, cmd, client, id, ui.FormatTable)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n", ui.RenderPass("✓"), id, status)
		return nil
	},
}

var taskDueCmd = &cobra.Command{
	Use:   "due <task-id> <when...>",
	Short: "Set or clear the due date of a task",
	Long: `Set the due date from an ISO date or a natural-language phrase.

Example usage:
  tasked task due t1 2026-12-24
  tasked task due t1 next friday
  tasked task due t1 in 3 days
  tasked task due t1 none          # clear the due date`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		due, err := model.ParseDueDate(strings.Join(args[1:], " "), time.Now())
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()
		if err := withEditor(ctx, id, func(ed *editor.TaskEditor) error {
			return ed.EditDueDate(due)
		}); err != nil {
			return err
		}

		if due.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Cleared the due date of %s\n", ui.RenderPass("✓"), id)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is due %s\n", ui.RenderPass("✓"), id, due)
		}
		return nil
	},
}

var taskTitleCmd = &cobra.Command{
	Use:   "title <task-id> <title...>",
	Short: "Rename a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, title := args[0], strings.Join(args[1:], " ")
		ctx, cancel := commandContext()
		defer cancel()
		if err := withEditor(ctx, id, func(ed *editor.TaskEditor) error {
			return ed.EditTitle(title)
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Renamed %s to %q\n", ui.RenderPass("✓"), id, title)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task",
	Long: `Delete a task. Tasks with a description, or that belong to more than one
project, ask for confirmation first unless --yes is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		yes, _ := cmd.Flags().GetBool("yes")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		task, err := client.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", id, err)
		}
		projects, err := client.TaskProjects(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load projects of task %s: %w", id, err)
		}

		if editor.DeletePolicy(task.DescriptionText(), len(projects)) == editor.DeleteConfirm && !yes {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("deleting %s needs confirmation; pass --yes", id)
			}
			confirmed := false
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Delete %q?", task.Title)).
				Description(deleteReason(task, len(projects))).
				Affirmative("Delete").
				Negative("Keep").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				return err
			}
			if !confirmed {
				fmt.Fprintln(cmd.OutOrStdout(), "Kept.")
				return nil
			}
		}

		if err := client.DeleteTask(ctx, id); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass("✓"), id)
		return nil
	},
}

func deleteReason(t *model.Task, projects int) string {
	var reasons []string
	if t.DescriptionText() != "" {
		reasons = append(reasons, "it has a description")
	}
	if projects > 1 {
		reasons = append(reasons, fmt.Sprintf("it belongs to %d projects", projects))
	}
	return "This task " + strings.Join(reasons, " and ") + "."
}

var taskSearchCmd = &cobra.Command{
	Use:   "search <text...>",
	Short: "Search tasks by title",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		tasks, err := client.SearchTasks(ctx, strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("failed to search tasks: %w", err)
		}
		rows := make([]taskRow, len(tasks))
		for i := range tasks {
			rows[i] = newTaskRow(&tasks[i])
		}
		if format != ui.FormatTable {
			return ui.Encode(cmd.OutOrStdout(), format, rows)
		}
		cells := make([][]string, len(rows))
		for i, r := range rows {
			cells[i] = []string{r.ID, r.Title, r.Status, r.DueDate}
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "TASK", "STATUS", "DUE"}, cells))
		return nil
	},
}

// withEditor runs fn against a loaded editor of task id on a short-lived
// engine and waits until the resulting writes have settled.
func withEditor(ctx context.Context, id string, fn func(ed *editor.TaskEditor) error) error {
	return withEngine(ctx, func(e *engine.Engine) error {
		var writeErr error
		opts := e.EditorOptions(id)
		opts.OnError = func(w field.Write, err error) { writeErr = fmt.Errorf("failed to save %s: %w", w.Field, err) }
		ed, err := e.OpenEditor(ctx, opts)
		if err != nil {
			return err
		}
		return editAndSettle(ctx, e, "task", id, ed, func() error { return fn(ed) }, &writeErr)
	})
}

func withEngine(ctx context.Context, fn func(e *engine.Engine) error) error {
	e, err := engine.New(cfg, engine.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := e.Run(ctx); err != nil {
		return err
	}
	defer func() { _ = e.Stop() }()
	return fn(e)
}

// loadedEditor is the part of TaskEditor and ProjectEditor the one-shot
// commands drive.
type loadedEditor interface {
	Loaded() bool
	Err() error
	Flush()
	Settled() bool
}

// editAndSettle waits for ed to load, runs fn and flushes on the loop, then
// waits until the writes settle or one fails. writeErr is set by the
// editor's OnError hook and read on the loop only.
func editAndSettle(ctx context.Context, e *engine.Engine, kind, id string, ed loadedEditor, fn func() error, writeErr *error) error {
	var loadErr error
	if err := pollLoop(ctx, e, func() bool {
		if ed.Loaded() {
			return true
		}
		loadErr = ed.Err()
		return loadErr != nil
	}); err != nil {
		return err
	}
	if loadErr != nil {
		if errors.Is(loadErr, api.ErrNotFound) {
			return fmt.Errorf("%s %s not found", kind, id)
		}
		return fmt.Errorf("failed to load %s %s: %w", kind, id, loadErr)
	}

	var fnErr error
	if err := e.Do(ctx, func() {
		fnErr = fn()
		ed.Flush()
	}); err != nil {
		return err
	}
	if fnErr != nil {
		return fnErr
	}

	var werr error
	if err := pollLoop(ctx, e, func() bool {
		werr = *writeErr
		return ed.Settled() || werr != nil
	}); err != nil {
		return err
	}
	return werr
}

// pollLoop evaluates cond on the loop until it holds.
func pollLoop(ctx context.Context, e *engine.Engine, cond func() bool) error {
	for {
		var ok bool
		if err := e.Do(ctx, func() { ok = cond() }); err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func init() {
	taskCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json or yaml")
	taskDeleteCmd.Flags().BoolP("yes", "y", false, "delete without asking")

	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskDueCmd)
	taskCmd.AddCommand(taskTitleCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskSearchCmd)
	rootCmd.AddCommand(taskCmd)
}
