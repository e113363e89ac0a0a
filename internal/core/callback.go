package core

// CompletionStatus is passed to AfterCompletion.
type CompletionStatus int

const (
	Completed CompletionStatus = iota
	Discarded
)

func (s CompletionStatus) String() string {
	if s == Completed {
		return "COMPLETED"
	}
	return "DISCARDED"
}

// Callback observes the end of a unit of work. BeforeCompletion may veto a
// completion by returning an error. AfterCompletion runs exactly once.
type Callback interface {
	BeforeCompletion(uow *UnitOfWork) error
	AfterCompletion(uow *UnitOfWork, status CompletionStatus)
}

// CallbackFuncs adapts plain functions into a Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Before func(uow *UnitOfWork) error
	After  func(uow *UnitOfWork, status CompletionStatus)
}

// BeforeCompletion implements Callback.
func (c *CallbackFuncs) BeforeCompletion(uow *UnitOfWork) error {
	if c.Before == nil {
		return nil
	}
	return c.Before(uow)
}

// AfterCompletion implements Callback.
func (c *CallbackFuncs) AfterCompletion(uow *UnitOfWork, status CompletionStatus) {
	if c.After != nil {
		c.After(uow, status)
	}
}
