package loom

import (
	"fmt"
	"sync"
)

// Map returns a program that runs p's operation eagerly (at build time,
// not deferred to Start) and exposes Added/Removed transformed by
// MapToken(_, f). Start and Close are reused verbatim from p's Result.
func Map[T, U any](p Program[T], f func(T) U) Program[U] {
	return newProgram(func(ctx *Context) (*Result[U], error) {
		pr, err := p.operate(ctx)
		if err != nil {
			return nil, err
		}
		return &Result[U]{
			Added:   PipeMap(pr.Added, func(t Token[T]) Token[U] { return MapToken(t, f) }),
			Removed: PipeMap(pr.Removed, func(t Token[T]) Token[U] { return MapToken(t, f) }),
			Start:   pr.Start,
			Close:   pr.Close,
		}, nil
	})
}

// flatMapBranch tracks one outer token's inner program together with every
// token that program has ever added, so the outer Removed pipe can re-emit
// them when the outer token departs.
type flatMapBranch[U any] struct {
	result *Result[U]
	tokens []Token[U]
}

// FlatMap is the cascade at the heart of loom: it materializes an inner
// program k(v) for every outer token and tears the inner program down the
// moment the outer token it came from departs.
//
// Unlike Map, p's operation is not run until the outer Result's Start is
// called — p.Start only runs after the outer-add/outer-remove listeners
// are already subscribed, so no outer token can be missed.
func FlatMap[T, U any](p Program[T], k func(T) Program[U]) Program[U] {
	return newProgram(func(ctx *Context) (*Result[U], error) {
		added := NewPipe[Token[U]]()
		removed := NewPipe[Token[U]]()

		var mu sync.Mutex
		branches := map[any]*flatMapBranch[U]{}

		var upstreamClose func() error

		start := func() error {
			pr, err := p.operate(ctx)
			if err != nil {
				return err
			}
			upstreamClose = pr.Close

			pr.Added.Subscribe(func(to Token[T]) {
				ri, err := k(to.Value).operate(ctx)
				if err != nil {
					panic(fmt.Sprintf("loom: flatMap: build inner program: %v", err))
				}

				branch := &flatMapBranch[U]{result: ri}
				mu.Lock()
				branches[to.Identity()] = branch
				mu.Unlock()

				ri.Added.Subscribe(func(ti Token[U]) {
					mu.Lock()
					branch.tokens = append(branch.tokens, ti)
					mu.Unlock()
					added.Emit(ti)
				})

				if err := ri.Start(); err != nil {
					panic(fmt.Sprintf("loom: flatMap: start inner program: %v", err))
				}
			})

			pr.Removed.Subscribe(func(to Token[T]) {
				mu.Lock()
				branch, ok := branches[to.Identity()]
				if ok {
					delete(branches, to.Identity())
				}
				mu.Unlock()
				if !ok {
					return
				}

				// Any residual Removed emissions fired by branch.result's
				// own Close are deliberately not forwarded upward; the
				// tokens re-emitted here, one per token this inner program
				// ever added, are what represent the cascade to the outer
				// Removed pipe.
				_ = branch.result.Close()
				for _, ti := range branch.tokens {
					removed.Emit(ti)
				}
			})

			return pr.Start()
		}

		closeFn := func() error {
			mu.Lock()
			toClose := make([]*flatMapBranch[U], 0, len(branches))
			for _, b := range branches {
				toClose = append(toClose, b)
			}
			branches = map[any]*flatMapBranch[U]{}
			mu.Unlock()

			for _, b := range toClose {
				_ = b.result.Close()
			}
			if upstreamClose != nil {
				return upstreamClose()
			}
			return nil
		}

		return &Result[U]{Added: added, Removed: removed, Start: start, Close: closeFn}, nil
	})
}

// Then returns a program equivalent to FlatMap(p, func(T) Program[U] { return q }):
// q's lifetime cascades from p's the same way any flatMap's inner program does.
func Then[T, U any](p Program[T], q Program[U]) Program[U] {
	return FlatMap(p, func(T) Program[U] { return q })
}

// ForEach runs k for its side effects on each value p produces, discarding
// the inner program's output.
func ForEach[T, U any](p Program[T], k func(T) Program[U]) Program[Unit] {
	return Map(FlatMap(p, k), func(U) Unit { return Unit{} })
}
