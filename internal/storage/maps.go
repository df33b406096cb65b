package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"refshare/internal/dirstate"
)

var ErrMapNotFound = errors.New("map not found")

// LoadMap reads every entry of the named map.
func (d *DB) LoadMap(ctx context.Context, name string) (map[string]dirstate.Entry, error) {
	var saves int64
	err := d.QueryRowContext(ctx, `SELECT saves FROM maps WHERE name = ?;`, name).Scan(&saves)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMapNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := d.QueryContext(ctx, `
SELECT path, state, mode, size, mtime
FROM entries WHERE map_name = ?;
`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]dirstate.Entry)
	for rows.Next() {
		var (
			path  string
			state int64
			e     dirstate.Entry
		)
		if err := rows.Scan(&path, &state, &e.Mode, &e.Size, &e.Mtime); err != nil {
			return nil, err
		}
		e.State = byte(state)
		out[path] = e
	}
	return out, rows.Err()
}

// SaveMap replaces the stored entries of the named map.
func (d *DB) SaveMap(ctx context.Context, name string, entries map[string]dirstate.Entry) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	nowNs := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO maps(name, saves, updated_at_ns) VALUES(?, 1, ?)
ON CONFLICT(name) DO UPDATE SET
  saves = maps.saves + 1,
  updated_at_ns = excluded.updated_at_ns;
`, name, nowNs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE map_name = ?;`, name); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO entries(map_name, path, state, mode, size, mtime) VALUES(?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for path, e := range entries {
		if _, err := stmt.ExecContext(ctx, name, path, int64(e.State), e.Mode, e.Size, e.Mtime); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMaps returns the names of all stored maps.
func (d *DB) ListMaps(ctx context.Context) ([]string, error) {
	rows, err := d.QueryContext(ctx, `SELECT name FROM maps ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
