//go:build cgo

package gormstore

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
)

func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
