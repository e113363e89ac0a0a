package core

import (
	"context"
	"errors"
	"testing"

	"entitycore/pkg/domain"
)

func TestSingleAssociationResolvesThroughUnitOfWork(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	uow := f.NewUnitOfWork(NewUsecase("assoc"))
	acme, err := uow.NewEntityBuilder(ctx, "Company", "acme")
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	_ = acme.Instance().Property("name").Set("Acme")
	company, err := acme.NewInstance(ctx)
	if err != nil {
		t.Fatalf("company: %v", err)
	}
	ann := newPerson(t, uow, "p1", "Ann")
	if got, err := ann.Association("employer").Get(ctx); err != nil || got != nil {
		t.Fatalf("expected empty association, got %v %v", got, err)
	}
	if err := ann.Association("employer").Set(ann); !errors.Is(err, domain.ErrIllegalArgument) {
		t.Fatalf("expected type mismatch to be rejected, got %v", err)
	}
	if err := ann.Association("employer").Set(nil); !errors.Is(err, domain.ErrIllegalArgument) {
		t.Fatalf("expected nil target to be rejected, got %v", err)
	}
	if err := ann.Association("employer").Set(company); err != nil {
		t.Fatalf("set employer: %v", err)
	}
	if err := uow.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}

	read := f.NewUnitOfWork(NewUsecase("read"))
	defer read.Discard()
	p, _ := read.Get(ctx, "Person", "p1")
	employer, err := p.Association("employer").Get(ctx)
	if err != nil || employer == nil || employer.Identity() != "acme" {
		t.Fatalf("expected acme employer, got %v %v", employer, err)
	}
	again, _ := read.Get(ctx, "Company", "acme")
	if again != employer {
		t.Fatalf("association target must come from the identity map")
	}
	if err := p.Association("employer").Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ref, _ := p.Association("employer").Reference(); !ref.IsZero() {
		t.Fatalf("expected cleared reference, got %q", ref)
	}
	if p.Status() != domain.StatusUpdated {
		t.Fatalf("expected UPDATED after clearing an association")
	}
}

func TestManyAssociationKeepsOrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	uow := f.NewUnitOfWork(NewUsecase("friends"))
	defer uow.Discard()
	ann := newPerson(t, uow, "ann", "Ann")
	bob := newPerson(t, uow, "bob", "Bob")
	cy := newPerson(t, uow, "cy", "Cy")

	friends := ann.ManyAssociation("friends")
	for _, e := range []*Entity{bob, cy, bob} {
		if ok, err := friends.Append(e); err != nil || !ok {
			t.Fatalf("append %s: %v %v", e, ok, err)
		}
	}
	if ok, err := friends.Add(0, cy); err != nil || !ok {
		t.Fatalf("add at head: %v %v", ok, err)
	}
	want := []domain.EntityReference{"cy", "bob", "cy", "bob"}
	got := friends.References()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	list, err := friends.ToList(ctx)
	if err != nil || len(list) != 4 || list[1] != bob {
		t.Fatalf("unexpected list %v %v", list, err)
	}
	set, err := friends.ToSet(ctx)
	if err != nil || len(set) != 2 || set[0] != cy || set[1] != bob {
		t.Fatalf("unexpected set %v %v", set, err)
	}
	if ok, _ := friends.Remove(bob); !ok || friends.Count() != 3 || !friends.Contains(bob) {
		t.Fatalf("remove must drop only the first occurrence, got %v", friends.References())
	}
	second, err := friends.Get(ctx, 1)
	if err != nil || second != cy {
		t.Fatalf("expected cy at index 1, got %v %v", second, err)
	}
	if _, err := friends.Get(ctx, 9); err == nil {
		t.Fatalf("expected out of range error")
	}
	if _, err := friends.Add(9, bob); err == nil {
		t.Fatalf("expected out of range insert to fail")
	}
	if err := friends.Clear(); err != nil || friends.Count() != 0 {
		t.Fatalf("clear: %v", err)
	}
}

func TestManyAssociationEqualityIsAsymmetricWithDuplicates(t *testing.T) {
	f, _ := newTestFactory(t)
	uow := f.NewUnitOfWork(NewUsecase("equality"))
	defer uow.Discard()
	x := newPerson(t, uow, "x", "X")
	y := newPerson(t, uow, "y", "Y")
	a := newPerson(t, uow, "a", "A").ManyAssociation("friends")
	b := newPerson(t, uow, "b", "B").ManyAssociation("friends")
	c := newPerson(t, uow, "c", "C").ManyAssociation("friends")
	_, _ = a.Append(x)
	_, _ = a.Append(x)
	_, _ = b.Append(x)
	_, _ = b.Append(y)
	_, _ = c.Append(y)
	_, _ = c.Append(x)

	if !a.Equal(b) {
		t.Fatalf("[x x] must equal [x y]: same count and every x is contained")
	}
	if b.Equal(a) {
		t.Fatalf("[x y] must not equal [x x]: y is missing")
	}
	if !b.Equal(c) || !c.Equal(b) || b.Hash() != c.Hash() {
		t.Fatalf("order must not affect equality or hash")
	}
	_, _ = c.Append(x)
	if b.Equal(c) {
		t.Fatalf("different counts must not be equal")
	}
	contacts := x.ManyAssociation("contacts")
	if contacts.Equal(b) {
		t.Fatalf("associations of different descriptors must not be equal")
	}
}

func TestUniqueManyAssociationRejectsDuplicates(t *testing.T) {
	reg := testSchema(t)
	reg.MustRegister(domain.EntityDescriptor{
		Name:       "Team",
		Visibility: domain.VisibleApplication,
		Associations: []domain.AssociationDescriptor{
			{Name: "members", Kind: domain.AssociationMany, Target: "Person", Unique: true},
		},
	})
	f := NewFactory(newTestStore(), reg, WithIdentityGenerator(&SequenceGenerator{}))
	ctx := context.Background()
	uow := f.NewUnitOfWork(NewUsecase("team"))
	defer uow.Discard()
	team, err := uow.NewEntity(ctx, "Team", "t1")
	if err != nil {
		t.Fatalf("team: %v", err)
	}
	ann := newPerson(t, uow, "ann", "Ann")
	members := team.ManyAssociation("members")
	if ok, err := members.Append(ann); err != nil || !ok {
		t.Fatalf("first append: %v %v", ok, err)
	}
	if ok, err := members.Append(ann); err != nil || ok {
		t.Fatalf("duplicate append must report false, got %v %v", ok, err)
	}
	if members.Count() != 1 {
		t.Fatalf("expected one member, got %d", members.Count())
	}
}

func TestNamedAssociation(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	uow := f.NewUnitOfWork(NewUsecase("contacts"))
	ann := newPerson(t, uow, "ann", "Ann")
	bob := newPerson(t, uow, "bob", "Bob")
	cy := newPerson(t, uow, "cy", "Cy")

	contacts := ann.NamedAssociation("contacts")
	if ok, err := contacts.Put("work", bob); err != nil || !ok {
		t.Fatalf("put work: %v %v", ok, err)
	}
	if ok, _ := contacts.Put("home", cy); !ok {
		t.Fatalf("put home failed")
	}
	if ok, _ := contacts.Put("work", bob); ok {
		t.Fatalf("unchanged put must report false")
	}
	if ok, _ := contacts.Put("work", cy); !ok {
		t.Fatalf("replacing put must report true")
	}
	if names := contacts.Names(); len(names) != 2 || names[0] != "work" || names[1] != "home" {
		t.Fatalf("replacement must keep insertion order, got %v", names)
	}
	if _, err := contacts.Rename("work", "home"); !errors.Is(err, domain.ErrIllegalArgument) {
		t.Fatalf("rename onto an existing name must fail, got %v", err)
	}
	if ok, err := contacts.Rename("work", "office"); err != nil || !ok {
		t.Fatalf("rename: %v %v", ok, err)
	}
	office, err := contacts.Get(ctx, "office")
	if err != nil || office != cy {
		t.Fatalf("expected cy under office, got %v %v", office, err)
	}
	if missing, err := contacts.Get(ctx, "work"); err != nil || missing != nil {
		t.Fatalf("expected nothing under work, got %v %v", missing, err)
	}
	if err := uow.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}

	read := f.NewUnitOfWork(NewUsecase("read"))
	defer read.Discard()
	stored, _ := read.Get(ctx, "Person", "ann")
	all, err := stored.NamedAssociation("contacts").ToMap(ctx)
	if err != nil || len(all) != 2 || all["office"].Identity() != "cy" || all["home"].Identity() != "cy" {
		t.Fatalf("unexpected persisted contacts %v %v", all, err)
	}
	if ok, _ := stored.NamedAssociation("contacts").Remove("home"); !ok || stored.NamedAssociation("contacts").Count() != 1 {
		t.Fatalf("remove home failed")
	}
}

func TestAssociationsRejectWritesAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	uow := f.NewUnitOfWork(NewUsecase("closed"))
	ann := newPerson(t, uow, "ann", "Ann")
	bob := newPerson(t, uow, "bob", "Bob")
	if err := uow.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := ann.ManyAssociation("friends").Append(bob); !errors.Is(err, domain.ErrUnitOfWorkClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := ann.NamedAssociation("contacts").Put("x", bob); !errors.Is(err, domain.ErrUnitOfWorkClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
