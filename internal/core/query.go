package core

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"time"

	"entitycore/pkg/domain"
)

// Predicate decides whether an entity matches. vars holds the query variables.
type Predicate func(e *Entity, vars map[string]any) (bool, error)

// SortOrder is the direction of an OrderBy key.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// OrderBy is one sort key.
type OrderBy struct {
	Property string
	Order    SortOrder
}

// Asc sorts by property in ascending order.
func Asc(property string) OrderBy { return OrderBy{Property: property, Order: Ascending} }

// Desc sorts by property in descending order.
func Desc(property string) OrderBy { return OrderBy{Property: property, Order: Descending} }

// Query filters, orders and paginates resolved entities. Nil values sort
// after every non-nil value in either direction; values that cannot be
// compared leave the key tied.
type Query struct {
	source     func(ctx context.Context) ([]*Entity, error)
	entityType string
	where      []Predicate
	orderBy    []OrderBy
	first      int
	max        int
	vars       map[string]any
}

// NewQuery queries a fixed list of entities.
func NewQuery(entities []*Entity) *Query {
	list := slices.Clone(entities)
	return newQuery(func(context.Context) ([]*Entity, error) { return list, nil })
}

// NewQueryFromSeq queries entities produced by seq at execution time.
func NewQueryFromSeq(seq iter.Seq[*Entity]) *Query {
	return newQuery(func(context.Context) ([]*Entity, error) { return slices.Collect(seq), nil })
}

func newQuery(source func(ctx context.Context) ([]*Entity, error)) *Query {
	return &Query{source: source, max: -1, vars: make(map[string]any)}
}

// NewQuery queries every entity assignable to entityType: durable entities
// found through the store when it implements domain.EntityFinder, plus the
// entities of the working set. Removed entities are skipped.
func (u *UnitOfWork) NewQuery(entityType string) (*Query, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	candidates, err := u.candidates(entityType)
	if err != nil {
		return nil, err
	}
	q := newQuery(func(ctx context.Context) ([]*Entity, error) {
		return u.resolveAll(ctx, entityType, candidates)
	})
	q.entityType = entityType
	return q, nil
}

func (u *UnitOfWork) resolveAll(ctx context.Context, entityType string, candidates []*domain.EntityDescriptor) ([]*Entity, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	seen := make(map[domain.EntityReference]struct{})
	var out []*Entity
	if finder, ok := u.factory.store.(domain.EntityFinder); ok {
		for _, desc := range candidates {
			refs, err := finder.FindReferences(ctx, desc.Name)
			if err != nil {
				return nil, err
			}
			for _, ref := range refs {
				if _, dup := seen[ref]; dup {
					continue
				}
				seen[ref] = struct{}{}
				e, err := u.Get(ctx, entityType, ref.Identity())
				if errors.Is(err, domain.ErrNoSuchEntity) {
					continue
				}
				if err != nil {
					return nil, err
				}
				out = append(out, e)
			}
		}
	}
	for _, e := range u.Entities() {
		if _, dup := seen[e.Reference()]; dup || !e.Descriptor().IsAssignableTo(entityType) {
			continue
		}
		seen[e.Reference()] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// Where adds a filter. Filters are combined with AND.
func (q *Query) Where(p Predicate) *Query {
	if p != nil {
		q.where = append(q.where, p)
	}
	return q
}

// OfType keeps only entities assignable to entityType.
func (q *Query) OfType(entityType string) *Query {
	return q.Where(func(e *Entity, _ map[string]any) (bool, error) {
		return e.Descriptor().IsAssignableTo(entityType), nil
	})
}

// ParseOrder reads comma separated sort keys such as "name,-age". A leading
// '-' sorts descending, a leading '+' or none ascending.
func ParseOrder(order string) []OrderBy {
	var keys []OrderBy
	for _, part := range strings.Split(order, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "" || part == "-" || part == "+":
		case strings.HasPrefix(part, "-"):
			keys = append(keys, Desc(part[1:]))
		default:
			keys = append(keys, Asc(strings.TrimPrefix(part, "+")))
		}
	}
	return keys
}

// OrderBy replaces the sort keys.
func (q *Query) OrderBy(keys ...OrderBy) *Query {
	q.orderBy = slices.Clone(keys)
	return q
}

// FirstResult skips the first n matches.
func (q *Query) FirstResult(n int) *Query {
	q.first = max(n, 0)
	return q
}

// MaxResults limits the number of returned entities. A negative n removes the limit.
func (q *Query) MaxResults(n int) *Query {
	q.max = n
	return q
}

// SetVariable binds a variable visible to predicates.
func (q *Query) SetVariable(name string, value any) *Query {
	q.vars[name] = value
	return q
}

// Variable returns a bound variable.
func (q *Query) Variable(name string) (any, bool) {
	v, ok := q.vars[name]
	return v, ok
}

// EntityType returns the type the query was created for, empty for plain lists.
func (q *Query) EntityType() string { return q.entityType }

// Count returns the number of matches, ignoring pagination.
func (q *Query) Count(ctx context.Context) (int, error) {
	matches, err := q.filter(ctx)
	return len(matches), err
}

// List returns the ordered page of matches.
func (q *Query) List(ctx context.Context) ([]*Entity, error) {
	matches, err := q.filter(ctx)
	if err != nil {
		return nil, err
	}
	q.sort(matches)
	if q.first >= len(matches) {
		return nil, nil
	}
	matches = matches[q.first:]
	if q.max >= 0 && q.max < len(matches) {
		matches = matches[:q.max]
	}
	return matches, nil
}

// Find returns the first entity of the page, nil when there is none.
func (q *Query) Find(ctx context.Context) (*Entity, error) {
	list, err := q.List(ctx)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// All iterates the page.
func (q *Query) All(ctx context.Context) iter.Seq2[*Entity, error] {
	return func(yield func(*Entity, error) bool) {
		list, err := q.List(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, e := range list {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (q *Query) filter(ctx context.Context) ([]*Entity, error) {
	all, err := q.source(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Entity, 0, len(all))
next:
	for _, e := range all {
		for _, p := range q.where {
			ok, err := p(e, q.vars)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue next
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *Query) sort(list []*Entity) {
	if len(q.orderBy) == 0 {
		return
	}
	slices.SortStableFunc(list, func(a, b *Entity) int {
		for _, key := range q.orderBy {
			av, _ := a.Property(key.Property).Get()
			bv, _ := b.Property(key.Property).Get()
			switch {
			case av == nil && bv == nil:
				continue
			case av == nil:
				return 1
			case bv == nil:
				return -1
			}
			c, ok := compareValues(av, bv)
			if !ok || c == 0 {
				continue
			}
			if key.Order == Descending {
				c = -c
			}
			return c
		}
		return 0
	})
}

func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return strings.Compare(x, y), ok
	case time.Time:
		y, ok := b.(time.Time)
		return x.Compare(y), ok
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp.Compare(boolRank(x), boolRank(y)), true
	}
	x, ok := number(a)
	if !ok {
		return 0, false
	}
	y, ok := number(b)
	if !ok {
		return 0, false
	}
	return cmp.Compare(x, y), true
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// PropertyEquals matches entities whose property equals value after
// coercion to the property kind.
func PropertyEquals(name string, value any) Predicate {
	return func(e *Entity, _ map[string]any) (bool, error) {
		p := e.Property(name)
		cur, err := p.Get()
		if err != nil {
			return false, nil
		}
		want := value
		if p.Descriptor() != nil {
			if coerced, err := domain.CoerceValue(p.Descriptor().Kind, value); err == nil {
				want = coerced
			}
		}
		return domain.ValuesEqual(cur, want), nil
	}
}

// PropertyIn matches entities whose property equals one of values.
func PropertyIn(name string, values ...any) Predicate {
	preds := make([]Predicate, len(values))
	for i, v := range values {
		preds[i] = PropertyEquals(name, v)
	}
	return Or(preds...)
}

// IsNull matches entities whose property is unset.
func IsNull(name string) Predicate {
	return func(e *Entity, _ map[string]any) (bool, error) {
		v, err := e.Property(name).Get()
		return err == nil && v == nil, nil
	}
}

// And matches when every predicate matches.
func And(preds ...Predicate) Predicate {
	return func(e *Entity, vars map[string]any) (bool, error) {
		for _, p := range preds {
			ok, err := p(e, vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Or matches when any predicate matches.
func Or(preds ...Predicate) Predicate {
	return func(e *Entity, vars map[string]any) (bool, error) {
		for _, p := range preds {
			ok, err := p(e, vars)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(e *Entity, vars map[string]any) (bool, error) {
		ok, err := p(e, vars)
		return !ok && err == nil, err
	}
}
