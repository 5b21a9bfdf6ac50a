// Package loom is a declarative dependency-tracking combinator library.
//
// Named components ("services") appear and disappear at arbitrary times in
// a registry; loom lets a caller describe a reactive dependency graph as an
// algebraic expression (a Program) and execute it against that registry.
// Derived computations come up when every dependency is simultaneously
// present and tear down the instant any one of them departs.
package loom
