package domain

// EntityStatus describes where an entity state sits in its unit-of-work lifecycle.
type EntityStatus int

const (
	// StatusNew marks a state created in the current unit of work and not yet persisted.
	StatusNew EntityStatus = iota
	// StatusLoaded marks a state fetched from the store and not modified since.
	StatusLoaded
	// StatusUpdated marks a loaded state with pending modifications.
	StatusUpdated
	// StatusRemoved marks a state scheduled for deletion.
	StatusRemoved
)

func (s EntityStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusLoaded:
		return "LOADED"
	case StatusUpdated:
		return "UPDATED"
	case StatusRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Dirty reports whether the status requires a store write on completion.
func (s EntityStatus) Dirty() bool {
	return s == StatusNew || s == StatusUpdated || s == StatusRemoved
}
