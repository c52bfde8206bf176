package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"snapgraph/cas"
)

// ----- Objects -----

// Put stores data under its BLAKE3 address. Storing the same bytes twice
// is a no-op.
func (db *DB) Put(ctx context.Context, data []byte) (cas.Hash, error) {
	addr := cas.ContentHash(data)
	compressed := db.enc.EncodeAll(data, nil)

	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO objects (address, size, data, created_at) VALUES (?, ?, ?, ?)`,
		addr.Bytes(), len(data), compressed, cas.NowMs(),
	)
	if err != nil {
		return cas.Zero, fmt.Errorf("inserting object %s: %w", addr.Short(), err)
	}
	return addr, nil
}

// Get returns the bytes stored under addr.
func (db *DB) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	var compressed []byte
	err := db.conn.QueryRowContext(ctx,
		`SELECT data FROM objects WHERE address = ?`, addr.Bytes(),
	).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", addr.Short(), ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying object: %w", err)
	}

	data, err := db.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing object %s: %w", addr.Short(), err)
	}
	if got := cas.ContentHash(data); got != addr {
		return nil, fmt.Errorf("object %s is corrupt: content hashes to %s", addr.Short(), got.Short())
	}
	return data, nil
}

// Has reports whether addr is stored.
func (db *DB) Has(ctx context.Context, addr cas.Hash) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE address = ?`, addr.Bytes(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking object: %w", err)
	}
	return n > 0, nil
}

// EvictSnapshot deletes a snapshot object unless a change set still points
// at it. It reports whether the object was removed.
func (db *DB) EvictSnapshot(ctx context.Context, addr cas.Hash) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM objects WHERE address = ?
		 AND NOT EXISTS (SELECT 1 FROM change_sets WHERE snapshot = ?)`,
		addr.Bytes(), addr.Bytes(),
	)
	if err != nil {
		return false, fmt.Errorf("evicting snapshot %s: %w", addr.Short(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ObjectStats summarizes the content store.
type ObjectStats struct {
	Count          int64
	Bytes          int64
	CompressedSize int64
}

// Stats returns object totals.
func (db *DB) Stats(ctx context.Context) (ObjectStats, error) {
	var s ObjectStats
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(LENGTH(data)), 0) FROM objects`,
	).Scan(&s.Count, &s.Bytes, &s.CompressedSize)
	if err != nil {
		return ObjectStats{}, fmt.Errorf("querying object stats: %w", err)
	}
	return s, nil
}
