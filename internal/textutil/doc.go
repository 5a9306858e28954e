// Package textutil provides small text helpers: filesystem-safe tokens and
// file names, and closest-match suggestions for mistyped names.
package textutil
