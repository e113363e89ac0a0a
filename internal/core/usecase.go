package core

import "maps"

// Usecase names the intent of a unit of work and carries metadata that is
// copied into each unit of work created for it.
type Usecase struct {
	Name     string
	MetaInfo map[string]any
}

// DefaultUsecase is used when no usecase name is given.
var DefaultUsecase = Usecase{Name: "default"}

// NewUsecase returns a usecase with the given name.
func NewUsecase(name string) Usecase {
	if name == "" {
		return DefaultUsecase
	}
	return Usecase{Name: name}
}

// With returns a copy of the usecase carrying an additional metadata entry.
func (u Usecase) With(key string, value any) Usecase {
	out := Usecase{Name: u.Name, MetaInfo: maps.Clone(u.MetaInfo)}
	if out.MetaInfo == nil {
		out.MetaInfo = make(map[string]any, 1)
	}
	out.MetaInfo[key] = value
	return out
}

func (u Usecase) String() string { return u.Name }
