// Package convert translates between Taskwarrior tasks and Notion todo rows.
//
// Statuses collapse onto the three Taskwarrior states: every Notion status
// other than Done and Discarded reads as pending, and a pending task is
// written back as "Freshly added". Projects are matched by the ShortName
// column of the project database.
package convert

import (
	"fmt"

	"github.com/njoerd114/taskrelay/internal/notion"
	syncp "github.com/njoerd114/taskrelay/internal/sync"
	"github.com/njoerd114/taskrelay/internal/taskwarrior"
)

// Projects resolves Notion project pages. Implemented by [notion.Side] once
// it has been started.
type Projects interface {
	ProjectID(shortName string) (string, bool)
	ProjectShortName(id string) (string, bool)
}

var notionToTW = map[string]string{
	notion.StatusDone:      taskwarrior.StatusCompleted,
	notion.StatusDiscarded: taskwarrior.StatusDeleted,
}

var twToNotion = map[string]string{
	taskwarrior.StatusPending:   notion.StatusFreshlyAdded,
	taskwarrior.StatusWaiting:   notion.StatusFreshlyAdded,
	taskwarrior.StatusCompleted: notion.StatusDone,
	taskwarrior.StatusDeleted:   notion.StatusDiscarded,
}

// Converter maps records in both directions. Create one with [New].
type Converter struct {
	projects  Projects
	syncValue string
}

// New returns a Converter that resolves projects through projects and tags
// converted tasks with syncValue.
func New(projects Projects, syncValue string) *Converter {
	return &Converter{projects: projects, syncValue: syncValue}
}

// Converters returns the pair used by the aggregator, with Notion as side A.
func (c *Converter) Converters() syncp.Converters[notion.TodoRecord, taskwarrior.Task] {
	return syncp.Converters[notion.TodoRecord, taskwarrior.Task]{
		AToB: c.NotionToTask,
		BToA: c.TaskToNotion,
	}
}

// NotionToTask converts a todo row into a task without UUID.
func (c *Converter) NotionToTask(r notion.TodoRecord) (taskwarrior.Task, error) {
	if !notion.ValidEstimate(r.EstimatedTime) {
		return taskwarrior.Task{}, fmt.Errorf("estimate %q is not an ISO-8601 duration", r.EstimatedTime)
	}
	status, ok := notionToTW[r.Status]
	if !ok {
		status = taskwarrior.StatusPending
	}

	t := taskwarrior.Task{
		Description:   r.Description,
		Status:        status,
		ModifiedAt:    r.LastModified,
		OEstimate:     r.EstimatedTime,
		NotionTaskURL: r.URL,
		Sync:          c.syncValue,
	}
	if r.DueDate != nil {
		due := r.DueDate.UTC()
		t.Due = &due
	}
	if r.ProjectID != "" {
		t.Project, _ = c.projects.ProjectShortName(r.ProjectID)
	}
	return t, nil
}

// TaskToNotion converts a task into a todo row without page id. A project
// without a matching Notion project leaves the relation empty.
func (c *Converter) TaskToNotion(t taskwarrior.Task) (notion.TodoRecord, error) {
	status, ok := twToNotion[t.Status]
	if !ok {
		return notion.TodoRecord{}, fmt.Errorf("task status %q has no Notion equivalent", t.Status)
	}
	if !notion.ValidEstimate(t.OEstimate) {
		return notion.TodoRecord{}, fmt.Errorf("estimate %q is not an ISO-8601 duration", t.OEstimate)
	}

	r := notion.TodoRecord{
		Description:   t.Description,
		Status:        status,
		EstimatedTime: t.OEstimate,
		LastModified:  t.ModifiedAt,
	}
	if t.Due != nil {
		due := *t.Due
		r.DueDate = &due
	}
	if t.Project != "" {
		r.ProjectID, _ = c.projects.ProjectID(t.Project)
	}
	return r, nil
}
