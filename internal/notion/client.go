package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jomei/notionapi"

	"github.com/njoerd114/taskrelay/internal/side"
)

// pageSize is the largest page the query endpoint returns.
const pageSize = 100

// API is the subset of the Notion API used by the side. Defining it as an
// interface allows mock injection in tests.
type API interface {
	QueryDatabase(ctx context.Context, databaseID string, cursor string) (*notionapi.DatabaseQueryResponse, error)
	GetPage(ctx context.Context, pageID string) (*notionapi.Page, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// clientWrapper adapts [notionapi.Client] to [API].
type clientWrapper struct {
	client *notionapi.Client
}

// NewAPI returns an [API] backed by the Notion REST API authenticated with
// an integration token.
func NewAPI(token string) API {
	return &clientWrapper{client: notionapi.NewClient(notionapi.Token(token))}
}

func (w *clientWrapper) QueryDatabase(ctx context.Context, databaseID, cursor string) (*notionapi.DatabaseQueryResponse, error) {
	return w.client.Database.Query(ctx, notionapi.DatabaseID(databaseID), &notionapi.DatabaseQueryRequest{
		StartCursor: notionapi.Cursor(cursor),
		PageSize:    pageSize,
	})
}

func (w *clientWrapper) GetPage(ctx context.Context, pageID string) (*notionapi.Page, error) {
	return w.client.Page.Get(ctx, notionapi.PageID(pageID))
}

func (w *clientWrapper) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	return w.client.Page.Create(ctx, req)
}

func (w *clientWrapper) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	return w.client.Page.Update(ctx, notionapi.PageID(pageID), req)
}

// classify maps a Notion API error onto the side error taxonomy. Rate limits,
// server errors and transport failures become [side.ErrConnection] so the
// retry loop repeats them and an exhausted retry aborts the pass.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *notionapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", side.ErrConnection, err)
	}
	switch apiErr.Status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", side.ErrNotFound, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", side.ErrValidation, err)
	case http.StatusConflict:
		// Notion reports concurrent edits of the same page as conflict_error.
		return err
	default:
		return fmt.Errorf("%w: %w", side.ErrConnection, err)
	}
}
