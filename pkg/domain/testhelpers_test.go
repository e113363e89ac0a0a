package domain

import (
	"testing"
	"time"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) (*Registry, *EntityDescriptor) {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(EntityDescriptor{Name: "Tag", Visibility: VisibleApplication})
	person, err := reg.Register(EntityDescriptor{
		Name:       "Person",
		Implements: []string{"Party"},
		Visibility: VisibleApplication,
		Properties: []PropertyDescriptor{
			{Name: "name", Kind: KindString, Constraints: []Constraint{NotEmpty(), MaxLength(8)}},
			{Name: "age", Kind: KindInt, Optional: true, Constraints: []Constraint{Range(0, 150)}},
			{Name: "born", Kind: KindTime, Optional: true},
			{Name: "nicknames", Kind: KindStrings, Optional: true},
		},
		Associations: []AssociationDescriptor{
			{Name: "spouse", Kind: AssociationSingle, Target: "Person", Optional: true},
			{Name: "employer", Kind: AssociationSingle, Target: "Party"},
			{Name: "tags", Kind: AssociationMany, Target: "Tag"},
			{Name: "labels", Kind: AssociationMany, Target: "Tag", Unique: true},
			{Name: "contacts", Kind: AssociationNamed, Target: "Person"},
		},
	})
	if err != nil {
		t.Fatalf("register person: %v", err)
	}
	return reg, person
}
