// Package migrations exposes the embedded SQL schema per database dialect.
package migrations

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	pengerobot "github.com/remimikalsen/sparebank1-pengerobot"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const rootDir = "data/sql/migrations"

// Set is the ordered migration tree for one dialect. Postgres files sit at
// the root, SQLite variants in a subdirectory with matching names.
type Set struct {
	Dialect string
	Dir     string
	FS      fs.FS
}

// Files lists the up migrations in apply order.
func (s Set) Files() ([]string, error) {
	return fs.Glob(s.FS, "*.up.sql")
}

// Sets resolves every dialect from root, or from the embedded schema when
// root is nil.
func Sets(root fs.FS) ([]Set, error) {
	if root == nil {
		root = pengerobot.GetMigrationsFS()
	}
	base, err := fs.Sub(root, rootDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", rootDir, err)
	}

	sets := make([]Set, 0, 2)
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		set := Set{Dialect: dialect, Dir: rootDir, FS: base}
		if dialect == DialectSQLite {
			set.Dir = path.Join(rootDir, "sqlite")
			if set.FS, err = fs.Sub(base, "sqlite"); err != nil {
				return nil, fmt.Errorf("migrations: open %s: %w", set.Dir, err)
			}
		}
		files, err := set.Files()
		if err != nil {
			return nil, fmt.Errorf("migrations: list %s: %w", set.Dir, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("migrations: %s has no up migrations", set.Dir)
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// ForDialect returns the embedded migrations for one dialect.
func ForDialect(dialect string) (Set, error) {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	sets, err := Sets(nil)
	if err != nil {
		return Set{}, err
	}
	for _, set := range sets {
		if set.Dialect == dialect {
			return set, nil
		}
	}
	return Set{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}
