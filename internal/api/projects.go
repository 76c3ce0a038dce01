package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/tasked/tasked/internal/model"
)

// ListProjects returns every project with its task counters, ordered by
// ascending total task count.
func (c *Client) ListProjects(ctx context.Context) ([]model.ProjectWithStats, error) {
	var projects []model.Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, nil, &projects); err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return []model.ProjectWithStats{}, nil
	}

	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	stats, err := c.ProjectStats(ctx, ids...)
	if err != nil {
		return nil, err
	}
	return mergeProjectStats(projects, stats), nil
}

// mergeProjectStats joins projects with their counters. Projects missing from
// stats get zero counters. Ties keep the order of projects.
func mergeProjectStats(projects []model.Project, stats []model.ProjectStats) []model.ProjectWithStats {
	byID := make(map[string]model.ProjectStats, len(stats))
	for _, s := range stats {
		byID[s.ID] = s
	}
	out := make([]model.ProjectWithStats, 0, len(projects))
	for _, p := range projects {
		s := byID[p.ID]
		out = append(out, model.ProjectWithStats{
			Project:        p,
			TotalTasks:     s.TotalTasks,
			CompletedTasks: s.CompletedTasks,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalTasks < out[j].TotalTasks
	})
	return out
}

// ProjectStats returns task counters for the given projects.
func (c *Client) ProjectStats(ctx context.Context, ids ...string) ([]model.ProjectStats, error) {
	query := url.Values{}
	for _, id := range ids {
		query.Add("ids", id)
	}
	var stats []model.ProjectStats
	if err := c.do(ctx, http.MethodGet, "/projects/stats", query, nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// GetProject returns one project.
func (c *Client) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	if err := c.do(ctx, http.MethodGet, projectPath(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject creates a project with the given title.
func (c *Client) CreateProject(ctx context.Context, title string) (*model.Project, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	var p model.Project
	if err := c.do(ctx, http.MethodPost, "/projects", nil, map[string]string{"title": title}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PatchProject updates the given fields of a project. A nil value clears the field.
func (c *Client) PatchProject(ctx context.Context, id string, fields map[model.Field]any) (*model.Project, error) {
	var p model.Project
	if err := c.do(ctx, http.MethodPatch, projectPath(id), nil, fields, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProject deletes a project. Its tasks are kept.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, projectPath(id), nil, nil, nil)
}

// ProjectTasks returns the tasks of a project.
func (c *Client) ProjectTasks(ctx context.Context, id string) ([]model.Task, error) {
	var tasks []model.Task
	if err := c.do(ctx, http.MethodGet, projectPath(id)+"/tasks", nil, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

type newTask struct {
	Title  string       `json:"title"`
	Status model.Status `json:"status"`
}

// CreateProjectTask creates a task inside a project.
func (c *Client) CreateProjectTask(ctx context.Context, projectID, title string, status model.Status) (*model.Task, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownStatus, int(status))
	}
	var t model.Task
	if err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/tasks", nil, newTask{Title: title, Status: status}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// AddTaskToProject links an existing task to a project.
func (c *Client) AddTaskToProject(ctx context.Context, projectID, taskID string) error {
	return c.do(ctx, http.MethodPut, projectPath(projectID)+"/tasks/"+url.PathEscape(taskID), nil, nil, nil)
}

// RemoveTaskFromProject unlinks a task from a project without deleting it.
func (c *Client) RemoveTaskFromProject(ctx context.Context, projectID, taskID string) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID)+"/tasks/"+url.PathEscape(taskID), nil, nil, nil)
}

func projectPath(id string) string {
	return "/projects/" + url.PathEscape(id)
}
