package notion

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

// Property names of the todo and project databases.
const (
	propDescription = "Description"
	propProject     = "Project"
	propEstimate    = "EstimatedTime"
	propStatus      = "Status"
	propDue         = "DueDate"
	propExclude     = "ExcludeFromTW"
	propShortName   = "ShortName"
)

// Todo statuses used by the sync.
const (
	StatusFreshlyAdded = "Freshly added"
	StatusDone         = "Done"
	StatusDiscarded    = "Discarded"
)

// TodoRecord is one row of the todo database. The JSON tag names are the
// keys used in ignore lists.
type TodoRecord struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	ProjectID     string     `json:"project_id,omitempty"`
	EstimatedTime string     `json:"estimated_time,omitempty"`
	Status        string     `json:"status"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	URL           string     `json:"url,omitempty"`
	LastModified  time.Time  `json:"last_modified_date"`
}

// Key returns the page id.
func (r TodoRecord) Key() string { return r.ID }

// Summary returns the description.
func (r TodoRecord) Summary() string { return r.Description }

// Modified returns the page's last edit time.
func (r TodoRecord) Modified() time.Time { return r.LastModified }

// ValidEstimate reports whether s is empty or an ISO-8601 duration with both
// a date and a time designator, e.g. "P0DT2H".
func ValidEstimate(s string) bool {
	return s == "" || (strings.HasPrefix(s, "P") && strings.Contains(s, "T"))
}

// recordFromPage reads a todo row.
func recordFromPage(p *notionapi.Page) TodoRecord {
	r := TodoRecord{
		ID:           string(p.ID),
		URL:          p.URL,
		LastModified: p.LastEditedTime.UTC(),
	}
	for name, prop := range p.Properties {
		switch name {
		case propDescription:
			r.Description = textOf(prop)
		case propEstimate:
			r.EstimatedTime = strings.TrimSpace(textOf(prop))
		case propProject:
			if rel, ok := prop.(*notionapi.RelationProperty); ok && len(rel.Relation) > 0 {
				r.ProjectID = string(rel.Relation[0].ID)
			}
		case propStatus:
			if st, ok := prop.(*notionapi.StatusProperty); ok {
				r.Status = st.Status.Name
			}
		case propDue:
			if d, ok := prop.(*notionapi.DateProperty); ok && d.Date != nil && d.Date.Start != nil {
				t := time.Time(*d.Date.Start)
				r.DueDate = &t
			}
		}
	}
	return r
}

// excludedFromTW reports whether the row has its ExcludeFromTW box checked.
func excludedFromTW(p *notionapi.Page) bool {
	cb, ok := p.Properties[propExclude].(*notionapi.CheckboxProperty)
	return ok && cb.Checkbox
}

// shortNameOf reads the ShortName of a project row, which may be a title
// or a rich text column.
func shortNameOf(p *notionapi.Page) string {
	return strings.TrimSpace(textOf(p.Properties[propShortName]))
}

// properties renders r as the property map of a create or update request.
// Empty values clear the corresponding column; an empty status is left alone
// since Notion has no "unset" for status columns.
func properties(r TodoRecord) notionapi.Properties {
	props := notionapi.Properties{
		propDescription: &notionapi.TitleProperty{Title: richText(r.Description)},
		propEstimate:    &notionapi.RichTextProperty{RichText: richText(r.EstimatedTime)},
		propProject:     &notionapi.RelationProperty{Relation: relation(r.ProjectID)},
		propDue:         &notionapi.DateProperty{Date: dateObject(r.DueDate)},
	}
	if r.Status != "" {
		props[propStatus] = &notionapi.StatusProperty{Status: notionapi.Status{Name: r.Status}}
	}
	return props
}

func textOf(prop notionapi.Property) string {
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		return plainText(p.Title)
	case *notionapi.RichTextProperty:
		return plainText(p.RichText)
	}
	return ""
}

func plainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, t := range rt {
		switch {
		case t.PlainText != "":
			b.WriteString(t.PlainText)
		case t.Text != nil:
			b.WriteString(t.Text.Content)
		}
	}
	return b.String()
}

func richText(s string) []notionapi.RichText {
	if s == "" {
		return []notionapi.RichText{}
	}
	return []notionapi.RichText{{Text: &notionapi.Text{Content: s}}}
}

func relation(id string) []notionapi.Relation {
	if id == "" {
		return []notionapi.Relation{}
	}
	return []notionapi.Relation{{ID: notionapi.PageID(id)}}
}

func dateObject(t *time.Time) *notionapi.DateObject {
	if t == nil {
		return nil
	}
	d := notionapi.Date(*t)
	return &notionapi.DateObject{Start: &d}
}
