package loom

// Unit carries no information; it is the value type for programs whose
// purpose is entirely in their side effects (OnClose) or that discard a
// flatMap's inner value (ForEach).
type Unit struct{}

// Just returns a program that emits a single token carrying v on Added as
// soon as it is started, and never emits on Removed. Close is a no-op.
func Just[T any](v T) Program[T] {
	return newProgram(func(_ *Context) (*Result[T], error) {
		added := NewPipe[Token[T]]()
		removed := NewPipe[Token[T]]()
		return &Result[T]{
			Added:   added,
			Removed: removed,
			Start: func() error {
				added.Emit(NewToken(v))
				return nil
			},
			Close: func() error { return nil },
		}, nil
	})
}

// Nothing returns a program whose channels never emit; Start and Close
// are both no-ops.
func Nothing[T any]() Program[T] {
	return newProgram(func(_ *Context) (*Result[T], error) {
		return &Result[T]{
			Added:   NewPipe[Token[T]](),
			Removed: NewPipe[Token[T]](),
			Start:   func() error { return nil },
			Close:   func() error { return nil },
		}, nil
	})
}

// OnClose returns a program that emits a single unit token on Start and
// invokes action on Close. It attaches an arbitrary teardown action at a
// chosen point in a program composition, the same role
// github.com/matgreaves/run/onexit plays for process-level cleanup.
func OnClose(action func() error) Program[Unit] {
	return newProgram(func(_ *Context) (*Result[Unit], error) {
		added := NewPipe[Token[Unit]]()
		return &Result[Unit]{
			Added:   added,
			Removed: NewPipe[Token[Unit]](),
			Start: func() error {
				added.Emit(NewToken(Unit{}))
				return nil
			},
			Close: func() error {
				if action == nil {
					return nil
				}
				return action()
			},
		}, nil
	})
}
