// Package main hosts the motorctl CLI entrypoint and command graph.
//
// The Cobra command tree is generated from the handler registry: every
// registered command becomes a subcommand whose flags mirror its argument
// schema. Parsed command lines are handed to the dispatcher, which owns device
// discovery, handler invocation, and the shutdown token.
//
// Keep this package lean: new behaviour belongs in a handler under
// internal/handlers; the CLI only needs to learn about it through the
// registry.
package main
