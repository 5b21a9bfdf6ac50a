package loom

import "sync"

// Multi is a program whose source is a registry view inherently producing
// zero-or-more concurrent tokens (an MOSGi in spec.md's terms) — Bundles
// is the one primitive that returns one. FlatMapMulti cascades exactly
// like FlatMap; the distinct type exists so Once is only offered where it
// makes sense.
type Multi[T any] struct {
	Program[T]
}

func newMulti[T any](p Program[T]) Multi[T] {
	return Multi[T]{Program: p}
}

// FlatMapMulti cascades an inner program per token produced by m, exactly
// as FlatMap does for a single-valued Program. A Multi needs no separate
// subscription machinery: FlatMap's live table, keyed by outer identity,
// already tracks arbitrarily many concurrent outer tokens through the one
// subscription it installs on m's Added/Removed.
func FlatMapMulti[T, U any](m Multi[T], k func(T) Program[U]) Program[U] {
	return FlatMap(m.Program, k)
}

// Once collapses a multi-valued program to its first-ever emission: the
// first token is mapped to Just(value), every subsequent token to
// Nothing(). The slot is never reset, even when the chosen token's
// identity is later removed — Once is deliberately non-reactive to the
// departure of its chosen value, so its Removed pipe never emits.
//
// This cannot be built on top of FlatMap: FlatMap's cascade re-emits every
// token an inner program ever added when the outer token departs, which
// here would mean the claimed value's Removed fires the moment the
// underlying bundle (or reference) it came from disappears — exactly the
// reactivity Once is defined not to have. Once installs its own listener
// on m's Added pipe directly instead.
func (m Multi[T]) Once() Program[T] {
	return newProgram(func(ctx *Context) (*Result[T], error) {
		pr, err := m.operate(ctx)
		if err != nil {
			return nil, err
		}

		added := NewPipe[Token[T]]()
		removed := NewPipe[Token[T]]()

		var mu sync.Mutex
		claimed := false

		pr.Added.Subscribe(func(t Token[T]) {
			mu.Lock()
			if claimed {
				mu.Unlock()
				return
			}
			claimed = true
			mu.Unlock()
			added.Emit(NewToken(t.Value))
		})

		return &Result[T]{
			Added:   added,
			Removed: removed,
			Start:   pr.Start,
			Close:   pr.Close,
		}, nil
	})
}
