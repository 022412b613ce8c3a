package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresFS embeds all PostgreSQL migration files.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds all ClickHouse migration files.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS

// Execer is satisfied by *pgxpool.Pool, pgx.Tx and the postgres.Pool wrapper.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RunPostgresMigrations applies all embedded SQL files in lexical order.
// Migrations are expected to be idempotent.
func RunPostgresMigrations(ctx context.Context, db Execer) error {
	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, err := db.Exec(ctx, f.body); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
	}
	return nil
}

// RunClickHouseMigrations applies the embedded ClickHouse DDL. ClickHouse
// rejects multi-statement queries, so each file holds exactly one statement.
func RunClickHouseMigrations(ctx context.Context, conn driver.Conn) error {
	files, err := sqlFiles(ClickhouseFS, "clickhouse")
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := conn.Exec(ctx, f.body); err != nil {
			return fmt.Errorf("apply clickhouse migration %s: %w", f.name, err)
		}
	}
	return nil
}

type sqlFile struct {
	name string
	body string
}

func sqlFiles(fsys fs.FS, dir string) ([]sqlFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	out := make([]sqlFile, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		body := strings.TrimSpace(string(data))
		if body == "" {
			continue
		}
		out = append(out, sqlFile{name: name, body: body})
	}
	return out, nil
}
