package store

import (
	"context"
	"database/sql"
	"errors"

	"rebaser/apperror"
	"rebaser/graph"
)

// Key identifies the queue of one change set.
type Key struct {
	WorkspaceID graph.ID
	ChangeSetID graph.ID
}

func (k Key) String() string {
	return k.WorkspaceID.String() + "/" + k.ChangeSetID.String()
}

// Request is a queued rebase request. Body is the encoded wire message.
type Request struct {
	Seq       int64
	ID        string
	Key       Key
	Body      []byte
	Attempts  int
	LastError string
	CreatedAt int64
}

// DeadLetter is a request that will never be processed.
type DeadLetter struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	Key       Key    `json:"-"`
	Body      []byte `json:"body"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
	CreatedAt int64  `json:"createdAt"`
}

// Enqueue appends a request to the queue of key. A request id that is
// already queued is not queued twice; the existing sequence is returned.
func (db *DB) Enqueue(ctx context.Context, id string, key Key, body []byte) (int64, error) {
	var seq int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO requests (id, workspace_id, change_set_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, key.WorkspaceID, key.ChangeSetID, body, db.now(),
		); err != nil {
			return apperror.Store("enqueueing request", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT seq FROM requests WHERE id = ?`, id).Scan(&seq); err != nil {
			return apperror.Store("reading request sequence", err)
		}
		return nil
	})
	return seq, err
}

// PendingKeys lists the change sets with queued requests, ordered by their
// oldest request.
func (db *DB) PendingKeys(ctx context.Context) ([]Key, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT workspace_id, change_set_id FROM requests
		 GROUP BY workspace_id, change_set_id ORDER BY MIN(seq)`,
	)
	if err != nil {
		return nil, apperror.Store("querying pending keys", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.WorkspaceID, &k.ChangeSetID); err != nil {
			return nil, apperror.Store("scanning pending key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// NextRequest returns the oldest queued request of key, or nil when the
// queue is empty.
func (db *DB) NextRequest(ctx context.Context, key Key) (*Request, error) {
	r := Request{Key: key}
	var lastError sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT seq, id, body, attempts, last_error, created_at FROM requests
		 WHERE workspace_id = ? AND change_set_id = ? ORDER BY seq ASC LIMIT 1`,
		key.WorkspaceID, key.ChangeSetID,
	).Scan(&r.Seq, &r.ID, &r.Body, &r.Attempts, &lastError, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Store("querying next request", err)
	}
	r.LastError = lastError.String
	return &r, nil
}

// Ack removes a processed request.
func (db *DB) Ack(ctx context.Context, seq int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM requests WHERE seq = ?`, seq); err != nil {
		return apperror.Store("acking request", err)
	}
	return nil
}

// RecordAttempt notes a failed attempt on a request that stays queued and
// returns the attempt count.
func (db *DB) RecordAttempt(ctx context.Context, seq int64, errMsg string) (int, error) {
	var attempts int
	err := db.conn.QueryRowContext(ctx,
		`UPDATE requests SET attempts = attempts + 1, last_error = ? WHERE seq = ? RETURNING attempts`,
		errMsg, seq,
	).Scan(&attempts)
	if err != nil {
		return 0, apperror.Store("recording attempt", err)
	}
	return attempts, nil
}

// DeadLetter moves a request out of the queue into the dead letters.
func (db *DB) DeadLetter(ctx context.Context, r *Request, reason string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, workspace_id, change_set_id, body, reason, attempts, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Key.WorkspaceID, r.Key.ChangeSetID, r.Body, reason, r.Attempts, db.now(),
		); err != nil {
			return apperror.Store("inserting dead letter", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE seq = ?`, r.Seq); err != nil {
			return apperror.Store("removing dead-lettered request", err)
		}
		return nil
	})
}

// DeadLetters returns the dead letters of a change set, oldest first.
func (db *DB) DeadLetters(ctx context.Context, key Key, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT seq, id, body, reason, attempts, created_at FROM dead_letters
		 WHERE workspace_id = ? AND change_set_id = ? ORDER BY seq ASC LIMIT ?`,
		key.WorkspaceID, key.ChangeSetID, limit,
	)
	if err != nil {
		return nil, apperror.Store("querying dead letters", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d := DeadLetter{Key: key}
		if err := rows.Scan(&d.Seq, &d.ID, &d.Body, &d.Reason, &d.Attempts, &d.CreatedAt); err != nil {
			return nil, apperror.Store("scanning dead letter", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// QueueDepth returns the number of queued requests.
func (db *DB) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
		return 0, apperror.Store("counting requests", err)
	}
	return n, nil
}
