package loom

import "sync"

// Run executes p's operation against ctx, starts the resulting Result, and
// returns it with Close wrapped in a single-shot guard — calling the
// returned Result's Close more than once is safe; only the first call
// performs work.
func Run[T any](ctx *Context, p Program[T]) (*Result[T], error) {
	r, err := p.operate(ctx)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	var closeErr error
	inner := r.Close
	r.Close = func() error {
		once.Do(func() { closeErr = inner() })
		return closeErr
	}

	if err := r.Start(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithContext returns a program that ignores whatever context it is given
// and runs p's operation against fixedCtx instead. Used to embed a
// sub-program built for one host context inside a tree executed against a
// different one.
func WithContext[T any](fixedCtx *Context, p Program[T]) Program[T] {
	return newProgram(func(_ *Context) (*Result[T], error) {
		return p.operate(fixedCtx)
	})
}

// Close invokes r's close action.
func Close[T any](r *Result[T]) error {
	return r.Close()
}
