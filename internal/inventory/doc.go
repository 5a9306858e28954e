// Package inventory persists what motorctl knows about the controllers it
// has touched: devices seen, configuration backups written, and firmware
// flashes attempted. It is a single SQLite file under the state directory.
package inventory
