package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/njoerd114/taskrelay/internal/side"
	"github.com/njoerd114/taskrelay/internal/state"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Test record -------------------------------------------------------------

type task struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	ModifiedAt time.Time `json:"modified"`
}

func (t task) Key() string         { return t.ID }
func (t task) Summary() string     { return t.Title }
func (t task) Modified() time.Time { return t.ModifiedAt }

// --- Clock -------------------------------------------------------------------

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// advance moves the clock forward, well past the comparison tolerance.
func (c *testClock) advance() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Hour)
	return c.now
}

// --- Mock side ---------------------------------------------------------------

type mockSide struct {
	mu      sync.Mutex
	name    string
	prefix  string
	clock   *testClock
	items   map[string]task
	nextID  int
	started int

	// reuseID makes AddItem report an existing id instead of creating.
	reuseID string

	// fail maps "op" or "op:id" to an error returned by that call.
	fail  map[string]error
	calls map[string]int
}

func newMockSide(name, prefix string, clock *testClock) *mockSide {
	return &mockSide{
		name:   name,
		prefix: prefix,
		clock:  clock,
		items:  make(map[string]task),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// seed inserts items directly, bypassing call counters.
func (m *mockSide) seed(titles ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(titles))
	for _, title := range titles {
		m.nextID++
		id := fmt.Sprintf("%s-%d", m.prefix, m.nextID)
		m.items[id] = task{ID: id, Title: title, Status: "pending", ModifiedAt: m.clock.Now()}
		ids = append(ids, id)
	}
	return ids
}

// edit modifies an item out of band, as a user would.
func (m *mockSide) edit(id string, fn func(*task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		panic("edit of unknown item " + id)
	}
	fn(&it)
	it.ModifiedAt = m.clock.Now()
	m.items[id] = it
}

// remove deletes an item out of band.
func (m *mockSide) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
}

func (m *mockSide) get(id string) (task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	return it, ok
}

func (m *mockSide) titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it.Title)
	}
	sort.Strings(out)
	return out
}

func (m *mockSide) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockSide) failure(op, id string) error {
	m.calls[op]++
	if err, ok := m.fail[op+":"+id]; ok {
		return err
	}
	return m.fail[op]
}

func (m *mockSide) Name() string                { return m.name }
func (m *mockSide) IDKey() string               { return "id" }
func (m *mockSide) SummaryKey() string          { return "title" }
func (m *mockSide) LastModificationKey() string { return "modified" }

func (m *mockSide) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return m.failure("start", "")
}

func (m *mockSide) GetAllItems(ctx context.Context) ([]task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.failure("list", ""); err != nil {
		return nil, err
	}
	out := make([]task, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	return out, nil
}

func (m *mockSide) GetItem(_ context.Context, id string, _ bool) (task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("get", id); err != nil {
		return task{}, err
	}
	it, ok := m.items[id]
	if !ok {
		return task{}, fmt.Errorf("%s item %s: %w", m.name, id, side.ErrNotFound)
	}
	return it, nil
}

func (m *mockSide) AddItem(_ context.Context, it task) (task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("add", it.Title); err != nil {
		return task{}, err
	}
	if m.reuseID != "" {
		return m.items[m.reuseID], nil
	}
	m.nextID++
	it.ID = fmt.Sprintf("%s-%d", m.prefix, m.nextID)
	it.ModifiedAt = m.clock.Now()
	m.items[it.ID] = it
	return it, nil
}

func (m *mockSide) UpdateItem(_ context.Context, id string, it task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("update", id); err != nil {
		return err
	}
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("%s item %s: %w", m.name, id, side.ErrNotFound)
	}
	it.ID = id
	it.ModifiedAt = m.clock.Now()
	m.items[id] = it
	return nil
}

func (m *mockSide) DeleteSingleItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("delete", id); err != nil {
		return err
	}
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("%s item %s: %w", m.name, id, side.ErrNotFound)
	}
	delete(m.items, id)
	return nil
}

func (m *mockSide) ItemsAreIdentical(a, b task, ignoreKeys []string) bool {
	return side.Identical(a, b, ignoreKeys, side.DefaultTimeTolerance)
}

func (m *mockSide) ItemDifference(a, b task, ignoreKeys []string) string {
	return side.Difference(a, b, ignoreKeys, side.DefaultTimeTolerance)
}

func (m *mockSide) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["invalidate"]++
}

// convert copies the synced fields; status "invalid" cannot be represented.
func convert(t task) (task, error) {
	if t.Status == "invalid" {
		return task{}, fmt.Errorf("status %q", t.Status)
	}
	return task{Title: t.Title, Status: t.Status}, nil
}

var testConverters = Converters[task, task]{AToB: convert, BToA: convert}

// --- Mock snapshot store -----------------------------------------------------

type mockStore struct {
	mu       sync.Mutex
	snaps    map[string]*state.Snapshot
	leases   map[string]string
	replaces int
}

func newMockStore() *mockStore {
	return &mockStore{
		snaps:  make(map[string]*state.Snapshot),
		leases: make(map[string]string),
	}
}

func cloneSnapshot(s *state.Snapshot) *state.Snapshot {
	cp := *s
	cp.Pairs = append([]state.Pair(nil), s.Pairs...)
	return &cp
}

func (m *mockStore) LoadSnapshot(_ context.Context, name string) (*state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[name]
	if !ok {
		return &state.Snapshot{Combination: name}, nil
	}
	return cloneSnapshot(s), nil
}

func (m *mockStore) ReplaceSnapshot(_ context.Context, snap *state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var gen int64
	if cur, ok := m.snaps[snap.Combination]; ok {
		gen = cur.Generation
	}
	if gen != snap.Generation {
		return fmt.Errorf("combination %q at generation %d: %w", snap.Combination, gen, state.ErrStaleSnapshot)
	}
	m.replaces++
	snap.Generation++
	m.snaps[snap.Combination] = cloneSnapshot(snap)
	return nil
}

func (m *mockStore) AcquireLease(_ context.Context, name, holder string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.leases[name]; held {
		return fmt.Errorf("combination %q: %w", name, state.ErrLeaseHeld)
	}
	m.leases[name] = holder
	return nil
}

func (m *mockStore) ReleaseLease(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[name] == holder {
		delete(m.leases, name)
	}
	return nil
}

// bump simulates another process persisting a pass.
func (m *mockStore) bump(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[name]
	if !ok {
		s = &state.Snapshot{Combination: name}
		m.snaps[name] = s
	}
	s.Generation++
}

func (m *mockStore) pairs(name string) []state.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.snaps[name]; ok {
		return append([]state.Pair(nil), s.Pairs...)
	}
	return nil
}

func (m *mockStore) replaceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaces
}
