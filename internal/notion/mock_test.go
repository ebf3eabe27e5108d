package notion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jomei/notionapi"

	"github.com/njoerd114/taskrelay/internal/side"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var fastRetry = side.RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
}

// mockAPI is an in-memory Notion workspace. Pages are kept per database
// and served in id order, pageSize at a time.
type mockAPI struct {
	mu       sync.Mutex
	pages    map[string]*notionapi.Page
	parent   map[string]string
	nextID   int
	pageSize int
	now      time.Time

	// failures holds errors returned once per call, keyed by method name.
	failures map[string][]error
	queries  int
	updates  []notionapi.Properties
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		pages:    make(map[string]*notionapi.Page),
		parent:   make(map[string]string),
		pageSize: pageSize,
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		failures: make(map[string][]error),
	}
}

func (m *mockAPI) fail(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

func (m *mockAPI) popFailure(method string) error {
	errs := m.failures[method]
	if len(errs) == 0 {
		return nil
	}
	m.failures[method] = errs[1:]
	return errs[0]
}

// seed adds a page to databaseID and returns its id.
func (m *mockAPI) seed(databaseID string, props notionapi.Properties) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(databaseID, props)
}

func (m *mockAPI) insert(databaseID string, props notionapi.Properties) string {
	m.nextID++
	id := fmt.Sprintf("page-%03d", m.nextID)
	m.pages[id] = &notionapi.Page{
		ID:             notionapi.ObjectID(id),
		URL:            "https://www.notion.so/" + id,
		LastEditedTime: m.now,
		Properties:     normalize(props),
	}
	m.parent[id] = databaseID
	return id
}

func (m *mockAPI) QueryDatabase(_ context.Context, databaseID, cursor string) (*notionapi.DatabaseQueryResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if err := m.popFailure("query"); err != nil {
		return nil, err
	}

	var ids []string
	for id, db := range m.parent {
		if db == databaseID && id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	resp := &notionapi.DatabaseQueryResponse{}
	for i, id := range ids {
		if i == m.pageSize {
			resp.HasMore = true
			resp.NextCursor = notionapi.Cursor(ids[i-1])
			break
		}
		resp.Results = append(resp.Results, *clonePage(m.pages[id]))
	}
	return resp, nil
}

func (m *mockAPI) GetPage(_ context.Context, pageID string) (*notionapi.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("get"); err != nil {
		return nil, err
	}
	p, ok := m.pages[pageID]
	if !ok {
		return nil, notFound(pageID)
	}
	return clonePage(p), nil
}

func (m *mockAPI) CreatePage(_ context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("create"); err != nil {
		return nil, err
	}
	id := m.insert(string(req.Parent.DatabaseID), req.Properties)
	return clonePage(m.pages[id]), nil
}

func (m *mockAPI) UpdatePage(_ context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("update"); err != nil {
		return nil, err
	}
	p, ok := m.pages[pageID]
	if !ok {
		return nil, notFound(pageID)
	}
	m.updates = append(m.updates, req.Properties)
	for k, v := range normalize(req.Properties) {
		p.Properties[k] = v
	}
	m.now = m.now.Add(time.Minute)
	p.LastEditedTime = m.now
	return clonePage(p), nil
}

func (m *mockAPI) page(id string) *notionapi.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePage(m.pages[id])
}

// normalize fills PlainText the way the API does in responses.
func normalize(props notionapi.Properties) notionapi.Properties {
	out := make(notionapi.Properties, len(props))
	for k, v := range props {
		switch p := v.(type) {
		case *notionapi.TitleProperty:
			out[k] = &notionapi.TitleProperty{Title: withPlainText(p.Title)}
		case *notionapi.RichTextProperty:
			out[k] = &notionapi.RichTextProperty{RichText: withPlainText(p.RichText)}
		default:
			out[k] = v
		}
	}
	return out
}

func withPlainText(rt []notionapi.RichText) []notionapi.RichText {
	out := make([]notionapi.RichText, len(rt))
	for i, t := range rt {
		out[i] = notionapi.RichText{PlainText: t.Text.Content}
	}
	return out
}

func clonePage(p *notionapi.Page) *notionapi.Page {
	if p == nil {
		return nil
	}
	c := *p
	c.Properties = make(notionapi.Properties, len(p.Properties))
	for k, v := range p.Properties {
		c.Properties[k] = v
	}
	return &c
}

func notFound(id string) error {
	return &notionapi.Error{Status: http.StatusNotFound, Code: "object_not_found", Message: "Could not find page with ID: " + id}
}

// todoProps builds the property map of a todo row.
func todoProps(description, status string) notionapi.Properties {
	return notionapi.Properties{
		propDescription: &notionapi.TitleProperty{Title: richText(description)},
		propStatus:      &notionapi.StatusProperty{Status: notionapi.Status{Name: status}},
	}
}

func projectProps(shortName string) notionapi.Properties {
	return notionapi.Properties{
		"Name":        &notionapi.TitleProperty{Title: richText("Project " + shortName)},
		propShortName: &notionapi.RichTextProperty{RichText: richText(shortName)},
	}
}

func newTestSide(api API) *Side {
	return New(api, Options{TodoDatabase: "todos", ProjectDatabase: "projects", Retry: fastRetry}, testLogger)
}
