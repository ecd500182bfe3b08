package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agroflow/agroflow/internal/persistence"
)

// bronzeStore writes source-shaped rows into bronze tables with
// ON CONFLICT upserts on the declared unique columns.
type bronzeStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBronzeStore creates the Postgres bronze-layer store.
func NewBronzeStore(db *sqlx.DB) persistence.BronzeStore {
	return &bronzeStore{db: db, timeout: defaultTimeout}
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (s *bronzeStore) Upsert(ctx context.Context, table string, rows []map[string]any, uniqueCols []string) (persistence.UpsertResult, error) {
	var res persistence.UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	if !identRe.MatchString(strings.TrimPrefix(table, "bronze.")) && !identRe.MatchString(table) {
		return res, fmt.Errorf("invalid bronze table name %q", table)
	}

	// Stable column order from the first row.
	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		if !identRe.MatchString(c) {
			return res, fmt.Errorf("invalid column name %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	if len(uniqueCols) == 0 {
		uniqueCols = defaultUniqueCols(cols)
	}

	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if contains(uniqueCols, c) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	if len(updates) == 0 {
		updates = append(updates, "ingested_at = EXCLUDED.ingested_at")
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING (xmax = 0)`,
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(uniqueCols, ", "),
		strings.Join(updates, ", "),
	)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin bronze upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return res, fmt.Errorf("prepare bronze upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		var inserted bool
		if err := stmt.QueryRowxContext(ctx, args...).Scan(&inserted); err != nil {
			return res, fmt.Errorf("upsert into %s: %w", table, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
		res.IDs = append(res.IDs, rowID(row, uniqueCols))
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit bronze upsert: %w", err)
	}
	return res, nil
}

// defaultUniqueCols picks "date" when present, else the first two
// columns in sorted order.
func defaultUniqueCols(sortedCols []string) []string {
	if contains(sortedCols, "date") {
		return []string{"date"}
	}
	if len(sortedCols) >= 2 {
		return sortedCols[:2]
	}
	return sortedCols
}

func rowID(row map[string]any, uniqueCols []string) string {
	parts := make([]string, len(uniqueCols))
	for i, c := range uniqueCols {
		parts[i] = fmt.Sprintf("%v", row[c])
	}
	return strings.Join(parts, "|")
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
