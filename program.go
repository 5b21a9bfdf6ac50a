package loom

import (
	"context"

	"github.com/matgreaves/loom/registry"
)

// Context is the host collaborator a Program's operation runs against. Go
// is plumbed through to every registry call so cancellation follows the
// caller's own context; Registry is the live service/bundle/configuration
// platform described in package registry.
type Context struct {
	Go       context.Context
	Registry registry.Registry
}

// Result is the materialized handle of an executing Program: two token
// channels, an idempotent-by-convention Start that wires the program to
// the host and begins emission, and a Close that releases every resource
// acquired since Start.
//
// After Close has been invoked, Added must emit no further tokens. For
// every identity emitted on Added, at most one emission on Removed with
// that identity may occur, and it happens after the Added emission.
type Result[T any] struct {
	Added   *Pipe[Token[T]]
	Removed *Pipe[Token[T]]
	Start   func() error
	Close   func() error
}

// Program is an immutable description of a reactive computation: a
// function from a host Context to a Result, evaluated only when executed.
type Program[T any] struct {
	operate func(*Context) (*Result[T], error)
}

func newProgram[T any](op func(*Context) (*Result[T], error)) Program[T] {
	return Program[T]{operate: op}
}
