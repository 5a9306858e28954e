// Package fileutil holds file helpers shared by the command handlers.
package fileutil
