// Package migrate applies the console's SQL schema and seed files.
package migrate

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed sql/migrations/*.sql sql/seeds/*.sql
var embedded embed.FS

// Migrations returns the migrations directory at dir, or the built-in set when
// dir is empty.
func Migrations(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	sub, _ := fs.Sub(embedded, "sql/migrations")
	return sub
}

// Seeds returns the seeds directory at dir, or the built-in set when dir is
// empty.
func Seeds(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	sub, _ := fs.Sub(embedded, "sql/seeds")
	return sub
}
