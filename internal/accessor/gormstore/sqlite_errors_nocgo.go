//go:build !cgo

package gormstore

// Without cgo the go-sqlite3 driver is a stub that cannot open a database,
// so its typed constraint errors can never be produced.
func isSQLiteConstraint(error) bool { return false }
