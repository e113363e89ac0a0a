package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"entitycore/pkg/domain"
)

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// testStore is a minimal versioned store used to exercise the engine without
// depending on infrastructure packages.
type testStore struct {
	mu       sync.Mutex
	records  map[domain.EntityReference]domain.EntitySnapshot
	fetches  int
	applies  int
	applyErr error
}

func newTestStore() *testStore {
	return &testStore{records: make(map[domain.EntityReference]domain.EntitySnapshot)}
}

func (s *testStore) Fetch(_ context.Context, ref domain.EntityReference) (domain.EntitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	snap, ok := s.records[ref]
	if !ok {
		return domain.EntitySnapshot{}, domain.ErrEntityNotFound
	}
	return snap.Clone(), nil
}

func (s *testStore) ApplyChanges(_ context.Context, changes []domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	if s.applyErr != nil {
		return s.applyErr
	}
	var conflicts []domain.EntityReference
	for _, c := range changes {
		cur, exists := s.records[c.Reference]
		if !c.Satisfied(cur.Version, exists) {
			conflicts = append(conflicts, c.Reference)
		}
	}
	if len(conflicts) > 0 {
		return domain.NewVersionConflictError(conflicts)
	}
	for _, c := range changes {
		if c.Kind == domain.ChangeRemove {
			delete(s.records, c.Reference)
			continue
		}
		s.records[c.Reference] = c.Snapshot.Clone()
	}
	return nil
}

func (s *testStore) FindReferences(_ context.Context, entityType string) ([]domain.EntityReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EntityReference
	for ref, snap := range s.records {
		if snap.EntityType == entityType {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *testStore) has(ref domain.EntityReference) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[ref]
	return ok
}

func testSchema(t *testing.T) *domain.Registry {
	t.Helper()
	reg := domain.NewRegistry()
	must := func(d domain.EntityDescriptor) {
		if _, err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	must(domain.EntityDescriptor{
		Name:       "Person",
		Implements: []string{"Party"},
		Visibility: domain.VisibleApplication,
		Properties: []domain.PropertyDescriptor{
			{Name: "name", Kind: domain.KindString, Constraints: []domain.Constraint{domain.NotEmpty()}},
			{Name: "age", Kind: domain.KindInt, Optional: true},
			{Name: "email", Kind: domain.KindString, Optional: true, Immutable: true},
			{Name: "score", Kind: domain.KindAny, Optional: true},
		},
		Associations: []domain.AssociationDescriptor{
			{Name: "employer", Kind: domain.AssociationSingle, Target: "Company", Optional: true},
			{Name: "friends", Kind: domain.AssociationMany, Target: "Person"},
			{Name: "contacts", Kind: domain.AssociationNamed, Target: "Person"},
		},
	})
	must(domain.EntityDescriptor{
		Name:       "Company",
		Implements: []string{"Party"},
		Visibility: domain.VisibleApplication,
		Properties: []domain.PropertyDescriptor{
			{Name: "name", Kind: domain.KindString},
		},
	})
	must(domain.EntityDescriptor{
		Name:       "Order",
		Visibility: domain.VisibleApplication,
		Properties: []domain.PropertyDescriptor{
			{Name: "number", Kind: domain.KindInt},
		},
		Associations: []domain.AssociationDescriptor{
			{Name: "lines", Kind: domain.AssociationMany, Target: "OrderLine", Aggregated: true},
			{Name: "customer", Kind: domain.AssociationSingle, Target: "Person", Optional: true},
		},
	})
	must(domain.EntityDescriptor{
		Name:       "OrderLine",
		Visibility: domain.VisibleApplication,
		Properties: []domain.PropertyDescriptor{
			{Name: "sku", Kind: domain.KindString},
		},
	})
	must(domain.EntityDescriptor{
		Name:         "AuditRecord",
		Visibility:   domain.VisibleApplication,
		NotRemovable: true,
		Properties: []domain.PropertyDescriptor{
			{Name: "message", Kind: domain.KindString, Optional: true},
		},
	})
	return reg
}

func newTestFactory(t *testing.T, opts ...Option) (*Factory, *testStore) {
	t.Helper()
	store := newTestStore()
	base := []Option{
		WithClock(ClockFunc(func() time.Time { return testNow })),
		WithIdentityGenerator(&SequenceGenerator{}),
	}
	return NewFactory(store, testSchema(t), append(base, opts...)...), store
}

func newPerson(t *testing.T, uow *UnitOfWork, id, name string) *Entity {
	t.Helper()
	b, err := uow.NewEntityBuilder(context.Background(), "Person", id)
	if err != nil {
		t.Fatalf("builder %s: %v", id, err)
	}
	if err := b.Instance().Property("name").Set(name); err != nil {
		t.Fatalf("set name: %v", err)
	}
	e, err := b.NewInstance(context.Background())
	if err != nil {
		t.Fatalf("new instance %s: %v", id, err)
	}
	return e
}

// seedPeople stores people with the given identities and names in one
// completed unit of work.
func seedPeople(t *testing.T, f *Factory, people map[string]string) {
	t.Helper()
	uow := f.NewUnitOfWork(NewUsecase("seed"))
	for id, name := range people {
		newPerson(t, uow, id, name)
	}
	if err := uow.Complete(context.Background()); err != nil {
		t.Fatalf("seed complete: %v", err)
	}
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) log(level, msg string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{level: level, msg: msg, args: args})
}

func (c *captureLogger) Debug(msg string, args ...any) { c.log("debug", msg, args) }
func (c *captureLogger) Info(msg string, args ...any)  { c.log("info", msg, args) }
func (c *captureLogger) Warn(msg string, args ...any)  { c.log("warn", msg, args) }
func (c *captureLogger) Error(msg string, args ...any) { c.log("error", msg, args) }

func (c *captureLogger) has(level, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	mu        sync.Mutex
	calls     []metricsCall
	conflicts map[string]int
}

func (c *captureMetricsRecorder) ObserveConflict(_ context.Context, usecase string, references int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflicts == nil {
		c.conflicts = make(map[string]int)
	}
	c.conflicts[usecase] += references
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

var errVeto = errors.New("vetoed")
