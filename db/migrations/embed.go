package migrations

import (
	"embed"
	"io/fs"
)

// files holds one directory of SQL migrations per dialect, applied in
// ascending order by filename.
//
//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// For returns the migrations of the named dialect ("sqlite" or "postgres").
func For(dialect string) (fs.FS, error) {
	return fs.Sub(files, dialect)
}
