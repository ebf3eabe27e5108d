// Package taskwarrior implements the Taskwarrior side of a sync combination
// on top of the task command line tool. Tasks are read with `task export`
// and written with `task import`, so every field round-trips as JSON.
//
// Only tasks whose sync UDA carries the configured value take part in a
// combination; tasks created by the sync are tagged [AddedTag].
package taskwarrior

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/taskrelay/internal/side"
)

// AddedTag marks tasks created by the sync.
const AddedTag = "added_by_notion"

// untrackedKeys never count as a modification: Taskwarrior rewrites them on
// its own or they are local to this side.
var untrackedKeys = []string{"entry", "end", "modified", "urgency", "tags", "sync"}

// managedKeys are the task attributes an update may set or clear. Everything
// else on the stored task is preserved.
var managedKeys = []string{"description", "status", "project", "due", "oestimate", "notiontaskurl"}

// Options configures a [Side].
type Options struct {
	// SyncValue is the value of the sync UDA that marks a task as part of
	// the combination.
	SyncValue string
	Retry     side.RetryPolicy
}

// Side is the Taskwarrior connector. Create one with [New].
type Side struct {
	runner Runner
	opts   Options
	cache  side.Cache[Task]
	log    *slog.Logger

	now     func() time.Time
	newUUID func() string
}

var _ side.Side[Task] = (*Side)(nil)

// New creates a Side that drives task through runner.
func New(runner Runner, opts Options, logger *slog.Logger) *Side {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = side.DefaultRetryPolicy
	}
	return &Side{
		runner:  runner,
		opts:    opts,
		log:     logger.With("side", "taskwarrior"),
		now:     func() time.Time { return time.Now().UTC() },
		newUUID: func() string { return uuid.NewString() },
	}
}

func (s *Side) Name() string                { return "taskwarrior" }
func (s *Side) IDKey() string               { return "uuid" }
func (s *Side) SummaryKey() string          { return "description" }
func (s *Side) LastModificationKey() string { return "modified" }

// Start checks that the task binary is usable.
func (s *Side) Start(ctx context.Context) error {
	if s.opts.SyncValue == "" {
		return fmt.Errorf("taskwarrior side needs a sync value: %w", side.ErrValidation)
	}
	out, err := s.run(ctx, nil, "_version")
	if err != nil {
		return fmt.Errorf("checking task binary: %w: %w", side.ErrConnection, err)
	}
	s.log.Info("taskwarrior ready", "version", strings.TrimSpace(string(out)), "sync", s.opts.SyncValue)
	return nil
}

// GetAllItems exports the pending, waiting and completed tasks of the
// combination and refreshes the cache.
func (s *Side) GetAllItems(ctx context.Context) ([]Task, error) {
	tasks, err := s.export(ctx, "status.not:deleted", "status.not:recurring")
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	out := tasks[:0]
	for _, t := range tasks {
		if t.Sync == s.opts.SyncValue {
			out = append(out, t)
		}
	}
	s.cache.Replace(out)
	s.log.Debug("listed tasks", "count", len(out))
	return slices.Clone(out), nil
}

// GetItem returns the task with the given UUID. Deleted tasks are reported
// as [side.ErrNotFound].
func (s *Side) GetItem(ctx context.Context, id string, useCached bool) (Task, error) {
	if err := validateUUID(id); err != nil {
		return Task{}, err
	}
	if useCached {
		if t, ok := s.cache.Get(id); ok {
			return t, nil
		}
	}

	tasks, err := s.export(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("reading task %s: %w", id, err)
	}
	if len(tasks) == 0 || tasks[0].Status == StatusDeleted {
		s.cache.Remove(id)
		return Task{}, fmt.Errorf("task %s: %w", id, side.ErrNotFound)
	}
	s.cache.Put(tasks[0])
	return tasks[0], nil
}

// AddItem imports t as a new task and returns it as stored.
func (s *Side) AddItem(ctx context.Context, t Task) (Task, error) {
	if t.UUID != "" {
		return Task{}, fmt.Errorf("task %q already has uuid %s: %w", t.Description, t.UUID, side.ErrValidation)
	}
	if strings.TrimSpace(t.Description) == "" {
		return Task{}, fmt.Errorf("task without description: %w", side.ErrValidation)
	}

	switch t.Status {
	case StatusPending, StatusCompleted, StatusWaiting:
	case "done":
		t.Status = StatusCompleted
	default:
		s.log.Warn("invalid task status, setting it to pending", "status", t.Status, "description", t.Description)
		t.Status = StatusPending
	}

	now := s.now()
	t.UUID = s.newUUID()
	t.Sync = s.opts.SyncValue
	t.Entry = &now
	t.ModifiedAt = time.Time{}
	if !slices.Contains(t.Tags, AddedTag) {
		t.Tags = append(slices.Clone(t.Tags), AddedTag)
	}
	if t.Status == StatusCompleted && t.End == nil {
		t.End = &now
	}

	body, err := json.Marshal([]Task{t})
	if err != nil {
		return Task{}, fmt.Errorf("encoding task %q: %w", t.Description, err)
	}
	if err := s.importTasks(ctx, body); err != nil {
		return Task{}, fmt.Errorf("adding task %q: %w", t.Description, err)
	}
	s.log.Debug("task created", "uuid", t.UUID, "description", t.Description)

	return s.GetItem(ctx, t.UUID, false)
}

// UpdateItem overwrites the managed attributes of task id with those of t.
// Tags, annotations and unknown UDAs on the stored task are kept.
func (s *Side) UpdateItem(ctx context.Context, id string, t Task) error {
	if err := validateUUID(id); err != nil {
		return err
	}

	raw, err := s.exportRaw(ctx, id)
	if err != nil {
		return fmt.Errorf("reading task %s: %w", id, err)
	}

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", id, err)
	}
	var changes map[string]any
	if err := json.Unmarshal(body, &changes); err != nil {
		return fmt.Errorf("encoding task %s: %w", id, err)
	}

	for _, k := range managedKeys {
		if v, ok := changes[k]; ok {
			raw[k] = v
		} else {
			delete(raw, k)
		}
	}
	// The task CLI assigns these itself and rejects some of them on import.
	for _, k := range []string{"id", "imask", "urgency", "modified"} {
		delete(raw, k)
	}
	if raw["status"] == StatusCompleted {
		if _, ok := raw["end"]; !ok {
			raw["end"] = formatDate(s.now())
		}
	} else if raw["status"] == StatusPending {
		delete(raw, "end")
	}

	out, err := json.Marshal([]map[string]any{raw})
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", id, err)
	}
	if err := s.importTasks(ctx, out); err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	s.cache.Remove(id)
	return nil
}

// DeleteSingleItem marks task id as deleted.
func (s *Side) DeleteSingleItem(ctx context.Context, id string) error {
	if _, err := s.GetItem(ctx, id, false); err != nil {
		return err
	}
	if _, err := s.run(ctx, nil, id, "delete"); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	s.cache.Remove(id)
	return nil
}

// ItemsAreIdentical compares the synced attributes of two tasks.
func (s *Side) ItemsAreIdentical(a, b Task, ignoreKeys []string) bool {
	ignore := append(slices.Clone(untrackedKeys), ignoreKeys...)
	return side.Identical(a, b, ignore, side.DefaultTimeTolerance)
}

// ItemDifference describes how b differs from a in the compared attributes.
func (s *Side) ItemDifference(a, b Task, ignoreKeys []string) string {
	ignore := append(slices.Clone(untrackedKeys), ignoreKeys...)
	return side.Difference(a, b, ignore, side.DefaultTimeTolerance)
}

// Invalidate drops the cached tasks.
func (s *Side) Invalidate() { s.cache.Invalidate() }

// --- task invocations --------------------------------------------------------

func (s *Side) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	return side.Retry(ctx, s.opts.Retry, func() ([]byte, error) {
		var in io.Reader
		if stdin != nil {
			in = bytes.NewReader(stdin)
		}
		return s.runner.Run(ctx, in, args...)
	})
}

func (s *Side) export(ctx context.Context, filter ...string) ([]Task, error) {
	out, err := s.run(ctx, nil, append(filter, "export")...)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(out, &tasks); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}
	return tasks, nil
}

// exportRaw returns the stored task as a generic map so attributes this
// package does not model survive an update.
func (s *Side) exportRaw(ctx context.Context, id string) (map[string]any, error) {
	out, err := s.run(ctx, nil, id, "export")
	if err != nil {
		return nil, err
	}
	var tasks []map[string]any
	if len(bytes.TrimSpace(out)) > 0 {
		if err := json.Unmarshal(out, &tasks); err != nil {
			return nil, fmt.Errorf("decoding export: %w", err)
		}
	}
	if len(tasks) == 0 || tasks[0]["status"] == StatusDeleted {
		return nil, fmt.Errorf("task %s: %w", id, side.ErrNotFound)
	}
	return tasks[0], nil
}

func (s *Side) importTasks(ctx context.Context, body []byte) error {
	_, err := s.run(ctx, body, "import", "-")
	return err
}

func validateUUID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("task id %q: %w", id, side.ErrValidation)
	}
	return nil
}
