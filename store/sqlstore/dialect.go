package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// Dialects lists every supported dialect.
var Dialects = []Dialect{Postgres, MySQL, SQLite}

// ParseDialect converts a name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	case "postgresql", "pgx":
		return Postgres, nil
	case "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q, expected one of postgres, mysql, sqlite", name)
	}
}

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	switch d {
	case SQLite:
		return "sqlite3"
	default:
		return string(d)
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsertCheckpoint returns the insert-or-replace statement for the checkpoints table.
func (d Dialect) upsertCheckpoint(table string) string {
	insert := fmt.Sprintf("INSERT INTO %s (run_id, stage, jobs, saved_at) VALUES (?, ?, ?, ?)", table)
	if d == MySQL {
		return insert + " ON DUPLICATE KEY UPDATE jobs = VALUES(jobs), saved_at = VALUES(saved_at)"
	}
	return d.rebind(insert + " ON CONFLICT (run_id, stage) DO UPDATE SET jobs = excluded.jobs, saved_at = excluded.saved_at")
}

// Open opens a database for d. MySQL DSNs are forced to parse times, and
// SQLite is limited to one connection so in-memory databases are shared.
func Open(d Dialect, dsn string) (*sql.DB, error) {
	switch d {
	case MySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	case Postgres, SQLite:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
