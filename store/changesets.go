package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"snapgraph/cas"
	"snapgraph/ident"
)

// ----- Workspaces -----

// Workspace groups change sets. Its default change set is HEAD.
type Workspace struct {
	ID                 ident.ID
	Name               string
	DefaultChangeSetID ident.ID
	CreatedAt          int64
}

// ChangeSetStatus is the lifecycle state of a change set.
type ChangeSetStatus string

const (
	StatusOpen      ChangeSetStatus = "open"
	StatusApplied   ChangeSetStatus = "applied"
	StatusAbandoned ChangeSetStatus = "abandoned"
)

// ChangeSet is an isolated line of edits with a pointer to its current
// snapshot.
type ChangeSet struct {
	ID              ident.ID
	WorkspaceID     ident.ID
	Name            string
	Status          ChangeSetStatus
	BaseChangeSetID *ident.ID
	SnapshotAddress cas.Hash
	UpdatedAt       int64
	Actor           string
}

// CreateWorkspace creates a workspace and its HEAD change set pointing at
// snapshot, which must already be stored.
func (db *DB) CreateWorkspace(ctx context.Context, name string, snapshot cas.Hash, actor string) (Workspace, ChangeSet, error) {
	ws := Workspace{ID: ident.New(), Name: name, CreatedAt: cas.NowMs()}
	head := ChangeSet{
		ID:              ident.New(),
		WorkspaceID:     ws.ID,
		Name:            "HEAD",
		Status:          StatusOpen,
		SnapshotAddress: snapshot,
		UpdatedAt:       ws.CreatedAt,
		Actor:           actor,
	}
	ws.DefaultChangeSetID = head.ID

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (id, name, default_change_set_id, created_at) VALUES (?, ?, ?, ?)`,
			ws.ID.String(), ws.Name, ws.DefaultChangeSetID.String(), ws.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting workspace: %w", err)
		}
		if err := insertChangeSet(ctx, tx, head); err != nil {
			return err
		}
		return appendPointerHistory(ctx, tx, head.ID, cas.Zero, snapshot, actor)
	})
	if err != nil {
		return Workspace{}, ChangeSet{}, err
	}
	return ws, head, nil
}

// Workspace returns a workspace by id.
func (db *DB) Workspace(ctx context.Context, id ident.ID) (Workspace, error) {
	var ws Workspace
	var rawID, rawHead string
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, default_change_set_id, created_at FROM workspaces WHERE id = ?`, id.String(),
	).Scan(&rawID, &ws.Name, &rawHead, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, fmt.Errorf("%s: %w", id, ErrWorkspaceNotFound)
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("querying workspace: %w", err)
	}
	if ws.ID, err = ident.Parse(rawID); err != nil {
		return Workspace{}, err
	}
	if ws.DefaultChangeSetID, err = ident.Parse(rawHead); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// ----- Change Sets -----

func insertChangeSet(ctx context.Context, tx *sql.Tx, cs ChangeSet) error {
	var base *string
	if cs.BaseChangeSetID != nil {
		s := cs.BaseChangeSetID.String()
		base = &s
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_sets (id, workspace_id, name, status, base_change_set_id, snapshot, updated_at, actor)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID.String(), cs.WorkspaceID.String(), cs.Name, string(cs.Status), base,
		cs.SnapshotAddress.Bytes(), cs.UpdatedAt, cs.Actor,
	)
	if err != nil {
		return fmt.Errorf("inserting change set: %w", err)
	}
	return nil
}

// CreateChangeSet forks a new open change set from the workspace's HEAD
// snapshot.
func (db *DB) CreateChangeSet(ctx context.Context, workspaceID ident.ID, name, actor string) (ChangeSet, error) {
	ws, err := db.Workspace(ctx, workspaceID)
	if err != nil {
		return ChangeSet{}, err
	}
	head, err := db.ChangeSet(ctx, ws.DefaultChangeSetID)
	if err != nil {
		return ChangeSet{}, err
	}

	base := head.ID
	cs := ChangeSet{
		ID:              ident.New(),
		WorkspaceID:     ws.ID,
		Name:            name,
		Status:          StatusOpen,
		BaseChangeSetID: &base,
		SnapshotAddress: head.SnapshotAddress,
		UpdatedAt:       cas.NowMs(),
		Actor:           actor,
	}
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertChangeSet(ctx, tx, cs); err != nil {
			return err
		}
		return appendPointerHistory(ctx, tx, cs.ID, cas.Zero, cs.SnapshotAddress, actor)
	})
	if err != nil {
		return ChangeSet{}, err
	}
	return cs, nil
}

const changeSetColumns = `id, workspace_id, name, status, base_change_set_id, snapshot, updated_at, actor`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeSet(row rowScanner) (ChangeSet, error) {
	var cs ChangeSet
	var rawID, rawWS, status string
	var rawBase sql.NullString
	var snapshot []byte
	if err := row.Scan(&rawID, &rawWS, &cs.Name, &status, &rawBase, &snapshot, &cs.UpdatedAt, &cs.Actor); err != nil {
		return ChangeSet{}, err
	}
	cs.Status = ChangeSetStatus(status)

	var err error
	if cs.ID, err = ident.Parse(rawID); err != nil {
		return ChangeSet{}, err
	}
	if cs.WorkspaceID, err = ident.Parse(rawWS); err != nil {
		return ChangeSet{}, err
	}
	if rawBase.Valid {
		base, err := ident.Parse(rawBase.String)
		if err != nil {
			return ChangeSet{}, err
		}
		cs.BaseChangeSetID = &base
	}
	if cs.SnapshotAddress, err = cas.HashFromBytes(snapshot); err != nil {
		return ChangeSet{}, fmt.Errorf("change set %s snapshot: %w", cs.ID, err)
	}
	return cs, nil
}

// ChangeSet returns a change set by id.
func (db *DB) ChangeSet(ctx context.Context, id ident.ID) (ChangeSet, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+changeSetColumns+` FROM change_sets WHERE id = ?`, id.String())
	cs, err := scanChangeSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeSet{}, fmt.Errorf("%s: %w", id, ErrChangeSetNotFound)
	}
	if err != nil {
		return ChangeSet{}, fmt.Errorf("querying change set: %w", err)
	}
	return cs, nil
}

// ListChangeSets returns a workspace's change sets, optionally filtered by
// status, oldest first.
func (db *DB) ListChangeSets(ctx context.Context, workspaceID ident.ID, status ChangeSetStatus) ([]ChangeSet, error) {
	query := `SELECT ` + changeSetColumns + ` FROM change_sets WHERE workspace_id = ?`
	args := []any{workspaceID.String()}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying change sets: %w", err)
	}
	defer rows.Close()

	var out []ChangeSet
	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change set: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// SetStatus moves a change set through its lifecycle. HEAD cannot be
// abandoned or applied.
func (db *DB) SetStatus(ctx context.Context, id ident.ID, status ChangeSetStatus) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE change_sets SET status = ?, updated_at = ?
		 WHERE id = ? AND id NOT IN (SELECT default_change_set_id FROM workspaces)`,
		string(status), cas.NowMs(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("updating change set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s is missing or is a workspace HEAD: %w", id, ErrChangeSetNotFound)
	}
	return nil
}

// UpdatePointer moves a change set's snapshot pointer from old to new. It
// fails with ErrPointerMismatch if the pointer no longer equals old.
func (db *DB) UpdatePointer(ctx context.Context, id ident.ID, old, new cas.Hash, actor string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		var current []byte
		err := tx.QueryRowContext(ctx,
			`SELECT snapshot FROM change_sets WHERE id = ?`, id.String(),
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, ErrChangeSetNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking current pointer: %w", err)
		}
		cur, err := cas.HashFromBytes(current)
		if err != nil {
			return err
		}
		if cur != old {
			return fmt.Errorf("change set %s at %s, expected %s: %w", id, cur.Short(), old.Short(), ErrPointerMismatch)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE change_sets SET snapshot = ?, updated_at = ?, actor = ? WHERE id = ?`,
			new.Bytes(), cas.NowMs(), actor, id.String(),
		)
		if err != nil {
			return fmt.Errorf("updating pointer: %w", err)
		}
		return appendPointerHistory(ctx, tx, id, old, new, actor)
	})
}

// ----- Pointer History -----

// PointerHistoryEntry is one recorded pointer move.
type PointerHistoryEntry struct {
	Seq         int64
	ID          cas.Hash
	Parent      *cas.Hash
	ChangeSetID ident.ID
	Time        int64
	Actor       string
	Old         cas.Hash
	New         cas.Hash
}

func appendPointerHistory(ctx context.Context, tx *sql.Tx, id ident.ID, old, new cas.Hash, actor string) error {
	ts := cas.NowMs()

	var parentID []byte
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM pointer_history WHERE change_set_id = ? ORDER BY seq DESC LIMIT 1`,
		id.String(),
	).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		parentID = nil
	} else if err != nil {
		return fmt.Errorf("getting parent history: %w", err)
	}

	entry := map[string]interface{}{
		"time":        ts,
		"actor":       actor,
		"changeSetId": id.String(),
		"new":         new.String(),
	}
	var oldBytes []byte
	if !old.IsZero() {
		entry["old"] = old.String()
		oldBytes = old.Bytes()
	}
	if parentID != nil {
		parent, err := cas.HashFromBytes(parentID)
		if err != nil {
			return err
		}
		entry["parent"] = parent.String()
	}

	entryJSON, err := cas.CanonicalJSON(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}
	entryID := cas.ContentHash(entryJSON)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pointer_history (id, parent, change_set_id, time, actor, old, new, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID.Bytes(), parentID, id.String(), ts, actor, oldBytes, new.Bytes(), string(entryJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting pointer history: %w", err)
	}
	return nil
}

// PointerHistory returns a change set's pointer moves, oldest first.
func (db *DB) PointerHistory(ctx context.Context, id ident.ID) ([]PointerHistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT seq, id, parent, time, actor, old, new FROM pointer_history
		 WHERE change_set_id = ? ORDER BY seq ASC`, id.String())
	if err != nil {
		return nil, fmt.Errorf("querying pointer history: %w", err)
	}
	defer rows.Close()

	var out []PointerHistoryEntry
	for rows.Next() {
		var e PointerHistoryEntry
		var rawID, rawParent, rawOld, rawNew []byte
		if err := rows.Scan(&e.Seq, &rawID, &rawParent, &e.Time, &e.Actor, &rawOld, &rawNew); err != nil {
			return nil, fmt.Errorf("scanning pointer history: %w", err)
		}
		e.ChangeSetID = id
		if e.ID, err = cas.HashFromBytes(rawID); err != nil {
			return nil, err
		}
		if rawParent != nil {
			p, err := cas.HashFromBytes(rawParent)
			if err != nil {
				return nil, err
			}
			e.Parent = &p
		}
		if rawOld != nil {
			if e.Old, err = cas.HashFromBytes(rawOld); err != nil {
				return nil, err
			}
		}
		if e.New, err = cas.HashFromBytes(rawNew); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
