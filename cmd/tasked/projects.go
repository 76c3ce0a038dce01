package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tasked/tasked/internal/api"
	"github.com/tasked/tasked/internal/editor"
	"github.com/tasked/tasked/internal/engine"
	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/ui"
)

type projectRow struct {
	ID             string `json:"id" yaml:"id"`
	Title          string `json:"title" yaml:"title"`
	TotalTasks     int    `json:"total_tasks" yaml:"total_tasks"`
	CompletedTasks int    `json:"completed_tasks" yaml:"completed_tasks"`
}

type taskRow struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Status      string `json:"status" yaml:"status"`
	DueDate     string `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func newTaskRow(t *model.Task) taskRow {
	return taskRow{
		ID:          t.ID,
		Title:       t.Title,
		Status:      t.Status.String(),
		DueDate:     t.DueDate.String(),
		Description: t.DescriptionText(),
	}
}

var projectsCmd = &cobra.Command{
	Use:     "projects",
	GroupID: "work",
	Short:   "List projects with task counts",
	Long: `List every project with its total and completed task counts, ordered by
total task count.

Example usage:
  tasked projects
  tasked projects --output json`,
	Args: cobra.NoArgs,
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

		projects, err := client.ListProjects(ctx)
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}

		rows := make([]projectRow, len(projects))
		for i, p := range projects {
			rows[i] = projectRow{ID: p.ID, Title: p.Title, TotalTasks: p.TotalTasks, CompletedTasks: p.CompletedTasks}
		}
		if format != ui.FormatTable {
			return ui.Encode(cmd.OutOrStdout(), format, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects.")
			return nil
		}
		cells := make([][]string, len(rows))
		for i, r := range rows {
			cells[i] = []string{r.ID, r.Title, strconv.Itoa(r.CompletedTasks) + "/" + strconv.Itoa(r.TotalTasks)}
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "PROJECT", "DONE"}, cells))
		return nil
	},
}

var projectsTasksCmd = &cobra.Command{
	Use:   "tasks <project-id>",
	Short: "List the tasks of a project",
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

		tasks, err := client.ProjectTasks(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list tasks of project %s: %w", args[0], err)
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

var projectsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		p, err := client.CreateProject(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created project %s (%s)\n", ui.RenderPass("✓"), p.Title, p.ID)
		return nil
	},
}

var projectsShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show a project and its tasks",
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

		id := args[0]
		p, err := client.GetProject(ctx, id)
		if err != nil {
			if errors.Is(err, api.ErrNotFound) {
				return fmt.Errorf("project %s not found", id)
			}
			return fmt.Errorf("failed to load project %s: %w", id, err)
		}
		tasks, err := client.ProjectTasks(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list tasks of project %s: %w", id, err)
		}
		rows := make([]taskRow, len(tasks))
		for i := range tasks {
			rows[i] = newTaskRow(&tasks[i])
		}

		out := cmd.OutOrStdout()
		if format != ui.FormatTable {
			return ui.Encode(out, format, projectDetail{ID: p.ID, Title: p.Title, Description: p.DescriptionText(), Tasks: rows})
		}
		fmt.Fprintf(out, "\n%s %s\n", ui.RenderAccent(p.ID), p.Title)
		if d := p.DescriptionText(); d != "" {
			fmt.Fprintf(out, "%s\n", d)
		}
		fmt.Fprintln(out)
		if len(rows) == 0 {
			fmt.Fprintln(out, "No tasks.")
			return nil
		}
		cells := make([][]string, len(rows))
		for i, r := range rows {
			cells[i] = []string{r.ID, r.Title, r.Status, r.DueDate}
		}
		fmt.Fprintln(out, ui.Table([]string{"ID", "TASK", "STATUS", "DUE"}, cells))
		return nil
	},
}

type projectDetail struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []taskRow `json:"tasks" yaml:"tasks"`
}

var projectsTitleCmd = &cobra.Command{
	Use:   "title <project-id> <title...>",
	Short: "Rename a project",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, title := args[0], strings.Join(args[1:], " ")
		ctx, cancel := commandContext()
		defer cancel()
		if err := withProjectEditor(ctx, id, func(ed *editor.ProjectEditor) error {
			return ed.EditTitle(title)
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Renamed project %s to %q\n", ui.RenderPass("✓"), id, title)
		return nil
	},
}

var projectsDescribeCmd = &cobra.Command{
	Use:   "describe <project-id> [text...]",
	Short: "Set or clear the description of a project",
	Long: `Set the description of a project. Without text the description is cleared.

Example usage:
  tasked projects describe p1 Weekly chores
  tasked projects describe p1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, text := args[0], strings.Join(args[1:], " ")
		ctx, cancel := commandContext()
		defer cancel()
		if err := withProjectEditor(ctx, id, func(ed *editor.ProjectEditor) error {
			return ed.EditDescription(text)
		}); err != nil {
			return err
		}
		if text == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Cleared the description of %s\n", ui.RenderPass("✓"), id)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Updated the description of %s\n", ui.RenderPass("✓"), id)
		}
		return nil
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project",
	Long: `Delete a project. Its tasks are kept. A project with a description or
any tasks asks for confirmation first unless --yes is given.`,
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

		p, err := client.GetProject(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load project %s: %w", id, err)
		}
		tasks, err := client.ProjectTasks(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list tasks of project %s: %w", id, err)
		}

		if editor.ProjectDeletePolicy(p.DescriptionText(), len(tasks)) == editor.DeleteConfirm && !yes {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("deleting project %s needs confirmation; pass --yes", id)
			}
			confirmed := false
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Delete project %q?", p.Title)).
				Description(fmt.Sprintf("It has %d tasks. The tasks are kept.", len(tasks))).
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

		if err := client.DeleteProject(ctx, id); err != nil {
			return fmt.Errorf("failed to delete project %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted project %s\n", ui.RenderPass("✓"), id)
		return nil
	},
}

var projectsAddTaskCmd = &cobra.Command{
	Use:   "add-task <project-id> <title...>",
	Short: "Create a task inside a project",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flag, _ := cmd.Flags().GetString("status")
		status, err := model.ParseStatus(flag)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		t, err := client.CreateProjectTask(ctx, args[0], strings.Join(args[1:], " "), status)
		if err != nil {
			return fmt.Errorf("failed to create task in project %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created task %s (%s) in %s\n", ui.RenderPass("✓"), t.Title, t.ID, args[0])
		return nil
	},
}

var projectsLinkCmd = &cobra.Command{
	Use:   "link <project-id> <task-id>",
	Short: "Add an existing task to a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		if err := client.AddTaskToProject(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to add %s to project %s: %w", args[1], args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s to %s\n", ui.RenderPass("✓"), args[1], args[0])
		return nil
	},
}

var projectsUnlinkCmd = &cobra.Command{
	Use:   "unlink <project-id> <task-id>",
	Short: "Remove a task from a project without deleting it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		if err := client.RemoveTaskFromProject(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to remove %s from project %s: %w", args[1], args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s from %s\n", ui.RenderPass("✓"), args[1], args[0])
		return nil
	},
}

// withProjectEditor is withEditor for a project.
func withProjectEditor(ctx context.Context, id string, fn func(ed *editor.ProjectEditor) error) error {
	return withEngine(ctx, func(e *engine.Engine) error {
		var writeErr error
		opts := e.ProjectEditorOptions(id)
		opts.OnError = func(w field.Write, err error) { writeErr = fmt.Errorf("failed to save %s: %w", w.Field, err) }
		ed, err := e.OpenProjectEditor(ctx, opts)
		if err != nil {
			return err
		}
		return editAndSettle(ctx, e, "project", id, ed, func() error { return fn(ed) }, &writeErr)
	})
}

func outputFormat(cmd *cobra.Command) (ui.Format, error) {
	s, _ := cmd.Flags().GetString("output")
	return ui.ParseFormat(s)
}

func newAPIClient() (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Logger:  logger,
	})
}

// commandContext is cancelled on interrupt.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func init() {
	projectsCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json or yaml")
	projectsDeleteCmd.Flags().BoolP("yes", "y", false, "delete without asking")
	projectsAddTaskCmd.Flags().String("status", "todo", "status of the new task")

	projectsCmd.AddCommand(projectsTasksCmd)
	projectsCmd.AddCommand(projectsCreateCmd)
	projectsCmd.AddCommand(projectsShowCmd)
	projectsCmd.AddCommand(projectsTitleCmd)
	projectsCmd.AddCommand(projectsDescribeCmd)
	projectsCmd.AddCommand(projectsDeleteCmd)
	projectsCmd.AddCommand(projectsAddTaskCmd)
	projectsCmd.AddCommand(projectsLinkCmd)
	projectsCmd.AddCommand(projectsUnlinkCmd)
	rootCmd.AddCommand(projectsCmd)
}
