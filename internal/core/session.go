package core

import (
	"context"
	"slices"
	"sync"
)

// Session tracks the current unit of work of one execution unit, typically a
// goroutine or a request. It replaces any process-wide notion of "current".
type Session struct {
	factory *Factory

	mu    sync.Mutex
	stack []*UnitOfWork
}

// NewSession returns an empty session bound to f.
func (f *Factory) NewSession() *Session {
	return &Session{factory: f}
}

// BeginOption configures Session.Begin.
type BeginOption func(*beginConfig)

type beginConfig struct {
	keepOuter bool
}

// WithoutPausingOuter leaves the current unit of work open while the new one
// is current.
func WithoutPausingOuter() BeginOption {
	return func(c *beginConfig) { c.keepOuter = true }
}

// Begin opens a unit of work and makes it current. The previously current
// unit of work is paused until the new one completes or is discarded.
func (s *Session) Begin(usecase Usecase, opts ...BeginOption) *UnitOfWork {
	var cfg beginConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	u := newUnitOfWork(s.factory, usecase, s)
	if outer, ok := s.Current(); ok && !cfg.keepOuter {
		if err := outer.Pause(); err == nil {
			u.resumeOnClose = outer
		}
	}
	s.push(u)
	return u
}

// Current returns the unit of work on top of the session stack.
func (s *Session) Current() (*UnitOfWork, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return nil, false
	}
	return s.stack[len(s.stack)-1], true
}

// IsActive reports whether the session has a current unit of work.
func (s *Session) IsActive() bool {
	_, ok := s.Current()
	return ok
}

// Depth returns the number of units of work that are open and not paused.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

func (s *Session) push(u *UnitOfWork) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, u)
}

func (s *Session) detach(u *UnitOfWork) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = slices.DeleteFunc(s.stack, func(x *UnitOfWork) bool { return x == u })
}

func (s *Session) closed(u *UnitOfWork) {
	s.detach(u)
	if outer := u.resumeOnClose; outer != nil && outer.IsPaused() {
		_ = outer.Resume()
	}
}

type sessionKey struct{}

// ContextWithSession attaches s to ctx.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session attached to ctx.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// CurrentUnitOfWork returns the current unit of work of the session in ctx.
func CurrentUnitOfWork(ctx context.Context) (*UnitOfWork, bool) {
	s, ok := SessionFromContext(ctx)
	if !ok {
		return nil, false
	}
	return s.Current()
}
