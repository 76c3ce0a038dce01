package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
)

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	if err := c.do(ctx, http.MethodGet, taskPath(id), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskProjects returns the projects a task belongs to.
func (c *Client) TaskProjects(ctx context.Context, id string) ([]model.Project, error) {
	var projects []model.Project
	if err := c.do(ctx, http.MethodGet, taskPath(id)+"/projects", nil, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// SearchTasks returns tasks whose title or description matches text.
func (c *Client) SearchTasks(ctx context.Context, text string) ([]model.Task, error) {
	var tasks []model.Task
	query := url.Values{"search": {text}}
	if err := c.do(ctx, http.MethodGet, "/tasks", query, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// PatchTask sets the given fields of a task. Values must already be in wire
// form (see model.WireValue) and non-nil; use ClearFields to clear.
func (c *Client) PatchTask(ctx context.Context, id string, fields map[model.Field]any) (*model.Task, error) {
	for f, v := range fields {
		if v == nil {
			return nil, fmt.Errorf("field %s: nil value, use ClearFields", f)
		}
	}
	var t model.Task
	if err := c.do(ctx, http.MethodPatch, taskPath(id), nil, fields, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ClearFields sets the given optional fields of a task to null.
func (c *Client) ClearFields(ctx context.Context, id string, fields ...model.Field) (*model.Task, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields to clear")
	}
	query := url.Values{}
	for _, f := range fields {
		if f != model.FieldDescription && f != model.FieldDueDate {
			return nil, fmt.Errorf("field %s cannot be cleared", f)
		}
		query.Add("fields", string(f))
	}
	var t model.Task
	if err := c.do(ctx, http.MethodPost, taskPath(id)+"/clear_fields", query, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask deletes a task and its project memberships.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, taskPath(id), nil, nil, nil)
}

// PatchField sends one field write. It implements field.Writer.
func (c *Client) PatchField(ctx context.Context, w field.Write) error {
	switch w.EntityType {
	case model.EntityTask:
		if w.Value == nil {
			_, err := c.ClearFields(ctx, w.EntityID, w.Field)
			return err
		}
		_, err := c.PatchTask(ctx, w.EntityID, map[model.Field]any{w.Field: w.Value})
		return err
	case model.EntityProject:
		_, err := c.PatchProject(ctx, w.EntityID, map[model.Field]any{w.Field: w.Value})
		return err
	default:
		return fmt.Errorf("%w: %q", model.ErrUnknownEntity, w.EntityType)
	}
}

var _ field.Writer = (*Client)(nil)

func taskPath(id string) string {
	return "/tasks/" + url.PathEscape(id)
}
