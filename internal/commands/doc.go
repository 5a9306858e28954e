// Package commands holds the command registry: the closed set of motorctl
// subcommands, each with its argument schema and handler, plus validation
// that turns raw CLI values into typed arguments before anything touches a
// device.
//
// The registry is filled once at startup and sealed; after that it is only
// read.
package commands
