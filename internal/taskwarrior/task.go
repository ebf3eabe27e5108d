package taskwarrior

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses understood by the task binary.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusDeleted   = "deleted"
	StatusWaiting   = "waiting"
	StatusRecurring = "recurring"
)

// dateLayout is the compact ISO-8601 form used by task export/import.
const dateLayout = "20060102T150405Z"

// Annotation is a timestamped note attached to a task.
type Annotation struct {
	Entry       time.Time `json:"entry"`
	Description string    `json:"description"`
}

// Task is a Taskwarrior task as exported by `task export`. The JSON tag names
// are the keys used in ignore lists.
type Task struct {
	UUID        string       `json:"uuid"`
	Description string       `json:"description"`
	Status      string       `json:"status"`
	Project     string       `json:"project,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Due         *time.Time   `json:"due,omitempty"`
	Entry       *time.Time   `json:"entry,omitempty"`
	End         *time.Time   `json:"end,omitempty"`
	ModifiedAt  time.Time    `json:"modified"`
	Urgency     float64      `json:"urgency,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`

	// User defined attributes.
	OEstimate     string `json:"oestimate,omitempty"`
	NotionTaskURL string `json:"notiontaskurl,omitempty"`
	Sync          string `json:"sync,omitempty"`
}

// Key returns the task UUID.
func (t Task) Key() string { return t.UUID }

// Summary returns the task description.
func (t Task) Summary() string { return t.Description }

// Modified returns the last modification time.
func (t Task) Modified() time.Time { return t.ModifiedAt }

// wireAnnotation and wireTask mirror the export format, where dates are
// compact strings.
type wireAnnotation struct {
	Entry       string `json:"entry"`
	Description string `json:"description"`
}

type wireTask struct {
	UUID          string           `json:"uuid,omitempty"`
	Description   string           `json:"description"`
	Status        string           `json:"status,omitempty"`
	Project       string           `json:"project,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	Due           string           `json:"due,omitempty"`
	Entry         string           `json:"entry,omitempty"`
	End           string           `json:"end,omitempty"`
	Modified      string           `json:"modified,omitempty"`
	Urgency       float64          `json:"urgency,omitempty"`
	Annotations   []wireAnnotation `json:"annotations,omitempty"`
	OEstimate     string           `json:"oestimate,omitempty"`
	NotionTaskURL string           `json:"notiontaskurl,omitempty"`
	Sync          string           `json:"sync,omitempty"`
}

// MarshalJSON encodes the task in the format accepted by `task import`.
func (t Task) MarshalJSON() ([]byte, error) {
	w := wireTask{
		UUID:          t.UUID,
		Description:   t.Description,
		Status:        t.Status,
		Project:       t.Project,
		Tags:          t.Tags,
		Due:           formatDatePtr(t.Due),
		Entry:         formatDatePtr(t.Entry),
		End:           formatDatePtr(t.End),
		Urgency:       t.Urgency,
		OEstimate:     t.OEstimate,
		NotionTaskURL: t.NotionTaskURL,
		Sync:          t.Sync,
	}
	if !t.ModifiedAt.IsZero() {
		w.Modified = formatDate(t.ModifiedAt)
	}
	for _, a := range t.Annotations {
		w.Annotations = append(w.Annotations, wireAnnotation{Entry: formatDate(a.Entry), Description: a.Description})
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a task from `task export` output.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Task{
		UUID:          w.UUID,
		Description:   w.Description,
		Status:        w.Status,
		Project:       w.Project,
		Tags:          w.Tags,
		Urgency:       w.Urgency,
		OEstimate:     w.OEstimate,
		NotionTaskURL: w.NotionTaskURL,
		Sync:          w.Sync,
	}
	var err error
	if out.Due, err = parseDatePtr(w.Due); err != nil {
		return fmt.Errorf("due: %w", err)
	}
	if out.Entry, err = parseDatePtr(w.Entry); err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	if out.End, err = parseDatePtr(w.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if w.Modified != "" {
		if out.ModifiedAt, err = ParseDate(w.Modified); err != nil {
			return fmt.Errorf("modified: %w", err)
		}
	}
	for _, a := range w.Annotations {
		entry, err := ParseDate(a.Entry)
		if err != nil {
			return fmt.Errorf("annotation entry: %w", err)
		}
		out.Annotations = append(out.Annotations, Annotation{Entry: entry, Description: a.Description})
	}
	*t = out
	return nil
}

// ParseDate parses a Taskwarrior date. RFC 3339 is accepted as well since
// some hooks rewrite dates in that form.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t.UTC(), nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatDate(*t)
}

func parseDatePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
