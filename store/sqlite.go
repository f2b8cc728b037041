// Package store provides the SQLite-backed control plane of the rebaser:
// workspaces, change sets and their snapshot pointers, the pointer history,
// the content-addressed blob store and the durable request queue.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"rebaser/apperror"
	"rebaser/cas"
	"rebaser/graph"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

var (
	ErrWorkspaceNotFound = apperror.New(apperror.KindNotFound, "workspace not found", nil)
	ErrChangeSetNotFound = apperror.New(apperror.KindNotFound, "change set not found", nil)
	ErrBlobNotFound      = apperror.New(apperror.KindNotFound, "blob not found", nil)
	ErrPointerMismatch   = apperror.New(apperror.KindStore, "snapshot pointer moved (not compare-and-swap)", nil)
)

// DB wraps a SQLite connection for rebaser storage.
type DB struct {
	conn *sql.DB
	path string
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	now  func() int64
}

// OpenDir opens or creates the database inside dataDir.
func OpenDir(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, "rebaser.db"))
}

// Open opens a database at the given path.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection: pragmas stick and writers never contend.
	conn.SetMaxOpenConns(1)

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &DB{conn: conn, path: dbPath, enc: enc, dec: dec, now: cas.NowMs}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.dec.Close()
	_ = db.enc.Close()
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// withTx runs fn in a transaction. fn must only use tx: the pool holds a
// single connection.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.Store("beginning transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperror.Store("committing transaction", err)
	}
	return nil
}

// ----- Workspaces -----

// Workspace groups change sets around a shared head.
type Workspace struct {
	ID                 graph.ID `json:"id"`
	Name               string   `json:"name"`
	DefaultChangeSetID graph.ID `json:"defaultChangeSetId"`
	CreatedAt          int64    `json:"createdAt"`
}

// HeadName is the name given to a workspace's default change set.
const HeadName = "HEAD"

// CreateWorkspace creates a workspace and its default change set pointing
// at snapshot. The snapshot blob must already be stored.
func (db *DB) CreateWorkspace(ctx context.Context, name string, snapshot cas.Hash) (*Workspace, *ChangeSet, error) {
	ts := db.now()
	ws := &Workspace{ID: graph.NewID(), Name: name, DefaultChangeSetID: graph.NewID(), CreatedAt: ts}
	head := &ChangeSet{
		ID:          ws.DefaultChangeSetID,
		WorkspaceID: ws.ID,
		Name:        HeadName,
		Status:      StatusOpen,
		Snapshot:    snapshot,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (id, name, default_change_set_id, created_at) VALUES (?, ?, ?, ?)`,
			ws.ID, ws.Name, ws.DefaultChangeSetID, ts,
		); err != nil {
			return apperror.Store("inserting workspace", err)
		}
		if err := insertChangeSet(ctx, tx, head); err != nil {
			return err
		}
		return db.appendHistory(ctx, tx, head, cas.ZeroHash, snapshot, "")
	})
	if err != nil {
		return nil, nil, err
	}
	return ws, head, nil
}

// GetWorkspace retrieves a workspace by id.
func (db *DB) GetWorkspace(ctx context.Context, id graph.ID) (*Workspace, error) {
	var ws Workspace
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, default_change_set_id, created_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &ws.DefaultChangeSetID, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, apperror.Store("querying workspace", err)
	}
	return &ws, nil
}

// ListWorkspaces returns every workspace, oldest first.
func (db *DB) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, default_change_set_id, created_at FROM workspaces ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, apperror.Store("querying workspaces", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.DefaultChangeSetID, &ws.CreatedAt); err != nil {
			return nil, apperror.Store("scanning workspace", err)
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// ----- Change sets -----

// Status is the lifecycle state of a change set.
type Status string

const (
	StatusOpen      Status = "Open"
	StatusApplied   Status = "Applied"
	StatusAbandoned Status = "Abandoned"
)

// ChangeSet is a named line of edits owning one snapshot address.
type ChangeSet struct {
	ID              graph.ID `json:"id"`
	WorkspaceID     graph.ID `json:"workspaceId"`
	Name            string   `json:"name"`
	Status          Status   `json:"status"`
	Snapshot        cas.Hash `json:"snapshotAddress"`
	BaseChangeSetID graph.ID `json:"baseChangeSetId,omitzero"`
	CreatedAt       int64    `json:"createdAt"`
	UpdatedAt       int64    `json:"updatedAt"`
}

// IsOpen reports whether the change set still accepts edits.
func (c *ChangeSet) IsOpen() bool { return c.Status == StatusOpen }

const changeSetColumns = `id, workspace_id, name, status, snapshot, base_change_set_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanChangeSet(row scanner) (*ChangeSet, error) {
	var cs ChangeSet
	if err := row.Scan(&cs.ID, &cs.WorkspaceID, &cs.Name, &cs.Status, &cs.Snapshot,
		&cs.BaseChangeSetID, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		return nil, err
	}
	return &cs, nil
}

func insertChangeSet(ctx context.Context, tx *sql.Tx, cs *ChangeSet) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_sets (`+changeSetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.WorkspaceID, cs.Name, cs.Status, cs.Snapshot, cs.BaseChangeSetID, cs.CreatedAt, cs.UpdatedAt,
	)
	if err != nil {
		return apperror.Store("inserting change set", err)
	}
	return nil
}

// CreateChangeSet forks a new open change set from base, or from the
// workspace head when base is zero. The new change set starts at base's
// snapshot.
func (db *DB) CreateChangeSet(ctx context.Context, workspaceID graph.ID, name string, base graph.ID) (*ChangeSet, error) {
	var cs *ChangeSet
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var defaultID graph.ID
		err := tx.QueryRowContext(ctx,
			`SELECT default_change_set_id FROM workspaces WHERE id = ?`, workspaceID,
		).Scan(&defaultID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkspaceNotFound
		}
		if err != nil {
			return apperror.Store("querying workspace", err)
		}
		if base.IsZero() {
			base = defaultID
		}

		parent, err := scanChangeSet(tx.QueryRowContext(ctx,
			`SELECT `+changeSetColumns+` FROM change_sets WHERE id = ?`, base))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChangeSetNotFound
		}
		if err != nil {
			return apperror.Store("querying base change set", err)
		}
		if parent.WorkspaceID != workspaceID {
			return apperror.InvariantViolation("change set %s belongs to workspace %s", base, parent.WorkspaceID)
		}

		ts := db.now()
		cs = &ChangeSet{
			ID:              graph.NewID(),
			WorkspaceID:     workspaceID,
			Name:            name,
			Status:          StatusOpen,
			Snapshot:        parent.Snapshot,
			BaseChangeSetID: base,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		}
		if err := insertChangeSet(ctx, tx, cs); err != nil {
			return err
		}
		return db.appendHistory(ctx, tx, cs, cas.ZeroHash, cs.Snapshot, "")
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// GetChangeSet retrieves a change set by id.
func (db *DB) GetChangeSet(ctx context.Context, id graph.ID) (*ChangeSet, error) {
	cs, err := scanChangeSet(db.conn.QueryRowContext(ctx,
		`SELECT `+changeSetColumns+` FROM change_sets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChangeSetNotFound
	}
	if err != nil {
		return nil, apperror.Store("querying change set", err)
	}
	return cs, nil
}

// ListChangeSets returns the change sets of a workspace in creation order,
// optionally filtered by status.
func (db *DB) ListChangeSets(ctx context.Context, workspaceID graph.ID, status Status) ([]*ChangeSet, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT `+changeSetColumns+` FROM change_sets WHERE workspace_id = ? ORDER BY created_at, id`,
			workspaceID,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			`SELECT `+changeSetColumns+` FROM change_sets WHERE workspace_id = ? AND status = ? ORDER BY created_at, id`,
			workspaceID, status,
		)
	}
	if err != nil {
		return nil, apperror.Store("querying change sets", err)
	}
	defer rows.Close()

	var out []*ChangeSet
	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, apperror.Store("scanning change set", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ListOpenChangeSets returns the open change sets of a workspace.
func (db *DB) ListOpenChangeSets(ctx context.Context, workspaceID graph.ID) ([]*ChangeSet, error) {
	return db.ListChangeSets(ctx, workspaceID, StatusOpen)
}

// SetChangeSetStatus moves an open change set to Applied or Abandoned. The
// workspace head always stays open.
func (db *DB) SetChangeSetStatus(ctx context.Context, id graph.ID, status Status) error {
	if status != StatusApplied && status != StatusAbandoned {
		return apperror.InvariantViolation("cannot move change set to %q", status)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		cs, err := scanChangeSet(tx.QueryRowContext(ctx,
			`SELECT `+changeSetColumns+` FROM change_sets WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChangeSetNotFound
		}
		if err != nil {
			return apperror.Store("querying change set", err)
		}
		if !cs.IsOpen() {
			return apperror.Abandoned(id.String())
		}

		var defaultID graph.ID
		if err := tx.QueryRowContext(ctx,
			`SELECT default_change_set_id FROM workspaces WHERE id = ?`, cs.WorkspaceID,
		).Scan(&defaultID); err != nil {
			return apperror.Store("querying workspace", err)
		}
		if defaultID == id {
			return apperror.InvariantViolation("change set %s is the workspace head", id)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE change_sets SET status = ?, updated_at = ? WHERE id = ?`, status, db.now(), id,
		); err != nil {
			return apperror.Store("updating change set status", err)
		}
		return nil
	})
}

// UpdatePointer moves a change set's snapshot pointer from old to new. It
// fails with ErrPointerMismatch when the pointer no longer equals old, and
// records the move in the pointer history.
func (db *DB) UpdatePointer(ctx context.Context, id graph.ID, old, new cas.Hash, requestID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		cs, err := scanChangeSet(tx.QueryRowContext(ctx,
			`SELECT `+changeSetColumns+` FROM change_sets WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChangeSetNotFound
		}
		if err != nil {
			return apperror.Store("querying change set", err)
		}
		if cs.Snapshot != old {
			return ErrPointerMismatch
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE change_sets SET snapshot = ?, updated_at = ? WHERE id = ?`, new, db.now(), id,
		); err != nil {
			return apperror.Store("updating snapshot pointer", err)
		}
		return db.appendHistory(ctx, tx, cs, old, new, requestID)
	})
}

// ----- Pointer history -----

// PointerEntry is one move of a change set's snapshot pointer.
type PointerEntry struct {
	Seq         int64    `json:"seq"`
	ID          cas.Hash `json:"id"`
	Parent      cas.Hash `json:"parent,omitzero"`
	Time        int64    `json:"time"`
	WorkspaceID graph.ID `json:"workspaceId"`
	ChangeSetID graph.ID `json:"changeSetId"`
	Old         cas.Hash `json:"old,omitzero"`
	New         cas.Hash `json:"new"`
	RequestID   string   `json:"requestId,omitempty"`
}

func (db *DB) appendHistory(ctx context.Context, tx *sql.Tx, cs *ChangeSet, old, new cas.Hash, requestID string) error {
	ts := db.now()

	var parent cas.Hash
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM pointer_history WHERE change_set_id = ? ORDER BY seq DESC LIMIT 1`, cs.ID,
	).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return apperror.Store("getting parent history", err)
	}

	entry := map[string]any{
		"time":        ts,
		"workspaceId": cs.WorkspaceID.String(),
		"changeSetId": cs.ID.String(),
		"new":         new.String(),
	}
	if !old.IsZero() {
		entry["old"] = old.String()
	}
	if !parent.IsZero() {
		entry["parent"] = parent.String()
	}
	if requestID != "" {
		entry["requestId"] = requestID
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return apperror.Serialization("marshaling history entry", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pointer_history (id, parent, time, workspace_id, change_set_id, old, new, request_id, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cas.Sum(entryJSON), parent, ts, cs.WorkspaceID, cs.ID, old, new, requestID, string(entryJSON),
	); err != nil {
		return apperror.Store("inserting pointer history", err)
	}
	return nil
}

// PointerHistory returns pointer moves of a change set after afterSeq,
// oldest first.
func (db *DB) PointerHistory(ctx context.Context, changeSetID graph.ID, afterSeq int64, limit int) ([]*PointerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT seq, id, parent, time, workspace_id, change_set_id, old, new, request_id
		 FROM pointer_history WHERE change_set_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		changeSetID, afterSeq, limit,
	)
	if err != nil {
		return nil, apperror.Store("querying pointer history", err)
	}
	defer rows.Close()

	var entries []*PointerEntry
	for rows.Next() {
		var e PointerEntry
		if err := rows.Scan(&e.Seq, &e.ID, &e.Parent, &e.Time, &e.WorkspaceID, &e.ChangeSetID,
			&e.Old, &e.New, &e.RequestID); err != nil {
			return nil, apperror.Store("scanning pointer history", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
