//go:build libsql

package db

import (
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

const driverName = "libsql"

// libSQL ignores DSN pragmas, so a single connection keeps the pragmas set
// by Open in effect.
const maxOpenConns = 1

func dataSourceName(path string) string {
	return "file:" + path
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
