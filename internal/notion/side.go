// Package notion implements the Notion side of a sync combination: one todo
// database whose rows are [TodoRecord]s, plus an optional project database
// used to translate the Project relation into short project names.
//
// Rows with the ExcludeFromTW box checked or an excluded status are hidden
// from the sync. Deleting a row sets its status to Discarded; pages are never
// archived.
package notion

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jomei/notionapi"

	"github.com/njoerd114/taskrelay/internal/side"
)

// derivedKeys are computed from the page id and never count as a
// modification.
var derivedKeys = []string{"url"}

// Options configures a [Side].
type Options struct {
	TodoDatabase    string
	ProjectDatabase string
	// ExcludedStatuses hides rows in these states. Defaults to Discarded.
	ExcludedStatuses []string
	Retry            side.RetryPolicy
}

// Side is the Notion connector. Create one with [New].
type Side struct {
	api   API
	opts  Options
	cache side.Cache[TodoRecord]
	log   *slog.Logger

	mu             sync.RWMutex
	projectByShort map[string]string
	shortByProject map[string]string
}

var _ side.Side[TodoRecord] = (*Side)(nil)

// New creates a Side backed by api.
func New(api API, opts Options, logger *slog.Logger) *Side {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = side.DefaultRetryPolicy
	}
	if opts.ExcludedStatuses == nil {
		opts.ExcludedStatuses = []string{StatusDiscarded}
	}
	return &Side{
		api:  api,
		opts: opts,
		log:  logger.With("side", "notion"),
	}
}

func (s *Side) Name() string                { return "notion" }
func (s *Side) IDKey() string               { return "id" }
func (s *Side) SummaryKey() string          { return "description" }
func (s *Side) LastModificationKey() string { return "last_modified_date" }

// Start loads the project table. Without a project database no relation can
// be resolved and todos sync without a project.
func (s *Side) Start(ctx context.Context) error {
	if s.opts.TodoDatabase == "" {
		return fmt.Errorf("notion side needs a todo database id: %w", side.ErrValidation)
	}
	if s.opts.ProjectDatabase == "" {
		s.log.Info("no project database configured")
		return nil
	}

	pages, err := s.queryAll(ctx, s.opts.ProjectDatabase)
	if err != nil {
		return fmt.Errorf("loading projects: %w", err)
	}
	byShort := make(map[string]string, len(pages))
	byID := make(map[string]string, len(pages))
	for i := range pages {
		short := shortNameOf(&pages[i])
		if short == "" || pages[i].Archived {
			continue
		}
		id := string(pages[i].ID)
		if prev, ok := byShort[short]; ok {
			s.log.Warn("duplicate project short name, keeping first", "short_name", short, "kept", prev, "ignored", id)
			continue
		}
		byShort[short] = id
		byID[id] = short
	}

	s.mu.Lock()
	s.projectByShort, s.shortByProject = byShort, byID
	s.mu.Unlock()
	s.log.Info("notion ready", "projects", len(byShort))
	return nil
}

// ProjectID returns the page id of the project with the given short name.
func (s *Side) ProjectID(shortName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.projectByShort[shortName]
	return id, ok
}

// ProjectShortName returns the short name of the project page id.
func (s *Side) ProjectShortName(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	short, ok := s.shortByProject[id]
	return short, ok
}

// GetAllItems queries every synced row of the todo database and refreshes
// the cache.
func (s *Side) GetAllItems(ctx context.Context) ([]TodoRecord, error) {
	pages, err := s.queryAll(ctx, s.opts.TodoDatabase)
	if err != nil {
		return nil, fmt.Errorf("listing todos: %w", err)
	}

	var out []TodoRecord
	for i := range pages {
		if !s.synced(&pages[i]) {
			continue
		}
		r := recordFromPage(&pages[i])
		if !ValidEstimate(r.EstimatedTime) {
			s.log.Warn("ignoring malformed estimate", "id", r.ID, "estimate", r.EstimatedTime)
			r.EstimatedTime = ""
		}
		out = append(out, r)
	}
	s.cache.Replace(out)
	s.log.Debug("listed todos", "count", len(out), "pages", len(pages))
	return slices.Clone(out), nil
}

// GetItem returns the row with the given page id. Rows that are archived or
// hidden from the sync are reported as [side.ErrNotFound].
func (s *Side) GetItem(ctx context.Context, id string, useCached bool) (TodoRecord, error) {
	if id == "" {
		return TodoRecord{}, fmt.Errorf("empty page id: %w", side.ErrValidation)
	}
	if useCached {
		if r, ok := s.cache.Get(id); ok {
			return r, nil
		}
	}

	page, err := side.Retry(ctx, s.opts.Retry, func() (*notionapi.Page, error) {
		p, err := s.api.GetPage(ctx, id)
		return p, classify(err)
	})
	if err != nil {
		return TodoRecord{}, fmt.Errorf("reading page %s: %w", id, err)
	}
	if !s.synced(page) {
		s.cache.Remove(id)
		return TodoRecord{}, fmt.Errorf("page %s: %w", id, side.ErrNotFound)
	}
	r := recordFromPage(page)
	s.cache.Put(r)
	return r, nil
}

// AddItem creates a row for r and returns it as stored.
func (s *Side) AddItem(ctx context.Context, r TodoRecord) (TodoRecord, error) {
	if r.ID != "" {
		return TodoRecord{}, fmt.Errorf("todo %q already has id %s: %w", r.Description, r.ID, side.ErrValidation)
	}
	if err := validate(r); err != nil {
		return TodoRecord{}, err
	}
	if r.Status == "" {
		r.Status = StatusFreshlyAdded
	}

	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(s.opts.TodoDatabase),
		},
		Properties: properties(r),
	}
	page, err := side.Retry(ctx, s.opts.Retry, func() (*notionapi.Page, error) {
		p, err := s.api.CreatePage(ctx, req)
		return p, classify(err)
	})
	if err != nil {
		return TodoRecord{}, fmt.Errorf("adding todo %q: %w", r.Description, err)
	}
	created := recordFromPage(page)
	s.cache.Put(created)
	s.log.Debug("todo created", "id", created.ID, "description", created.Description)
	return created, nil
}

// UpdateItem overwrites the synced columns of row id with those of r.
func (s *Side) UpdateItem(ctx context.Context, id string, r TodoRecord) error {
	if id == "" {
		return fmt.Errorf("empty page id: %w", side.ErrValidation)
	}
	if err := validate(r); err != nil {
		return err
	}
	if err := s.update(ctx, id, properties(r)); err != nil {
		return fmt.Errorf("updating todo %s: %w", id, err)
	}
	return nil
}

// DeleteSingleItem discards row id by setting its status.
func (s *Side) DeleteSingleItem(ctx context.Context, id string) error {
	if _, err := s.GetItem(ctx, id, false); err != nil {
		return err
	}
	props := notionapi.Properties{
		propStatus: &notionapi.StatusProperty{Status: notionapi.Status{Name: StatusDiscarded}},
	}
	if err := s.update(ctx, id, props); err != nil {
		return fmt.Errorf("discarding todo %s: %w", id, err)
	}
	s.cache.Remove(id)
	return nil
}

// ItemsAreIdentical compares the synced columns of two rows.
func (s *Side) ItemsAreIdentical(a, b TodoRecord, ignoreKeys []string) bool {
	ignore := append(slices.Clone(derivedKeys), ignoreKeys...)
	return side.Identical(a, b, ignore, side.DefaultTimeTolerance)
}

// ItemDifference describes how b differs from a in the compared columns.
func (s *Side) ItemDifference(a, b TodoRecord, ignoreKeys []string) string {
	ignore := append(slices.Clone(derivedKeys), ignoreKeys...)
	return side.Difference(a, b, ignore, side.DefaultTimeTolerance)
}

// Invalidate drops the cached rows.
func (s *Side) Invalidate() { s.cache.Invalidate() }

// --- API helpers -------------------------------------------------------------

func (s *Side) queryAll(ctx context.Context, databaseID string) ([]notionapi.Page, error) {
	var (
		pages  []notionapi.Page
		cursor string
	)
	for {
		resp, err := side.Retry(ctx, s.opts.Retry, func() (*notionapi.DatabaseQueryResponse, error) {
			r, err := s.api.QueryDatabase(ctx, databaseID, cursor)
			return r, classify(err)
		})
		if err != nil {
			return nil, fmt.Errorf("querying database %s: %w", databaseID, err)
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		cursor = string(resp.NextCursor)
	}
}

func (s *Side) update(ctx context.Context, id string, props notionapi.Properties) error {
	page, err := side.Retry(ctx, s.opts.Retry, func() (*notionapi.Page, error) {
		p, err := s.api.UpdatePage(ctx, id, &notionapi.PageUpdateRequest{Properties: props})
		return p, classify(err)
	})
	if err != nil {
		return err
	}
	if page != nil && s.synced(page) {
		s.cache.Put(recordFromPage(page))
	} else {
		s.cache.Remove(id)
	}
	return nil
}

// synced reports whether a page takes part in the combination.
func (s *Side) synced(p *notionapi.Page) bool {
	if p.Archived || excludedFromTW(p) {
		return false
	}
	r := recordFromPage(p)
	return !slices.ContainsFunc(s.opts.ExcludedStatuses, func(st string) bool {
		return strings.EqualFold(st, r.Status)
	})
}

func validate(r TodoRecord) error {
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("todo without description: %w", side.ErrValidation)
	}
	if !ValidEstimate(r.EstimatedTime) {
		return fmt.Errorf("todo %q: estimate %q is not an ISO-8601 duration: %w", r.Description, r.EstimatedTime, side.ErrValidation)
	}
	return nil
}
