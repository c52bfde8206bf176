package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"snapgraph/cas"
	"snapgraph/proto"
)

// ----- Rebase Queue -----

// Queue is the durable SQLite rebase queue. Items move pending ->
// processing -> done|failed; a delivery that is never acknowledged is
// requeued by RecoverStale.
type Queue struct {
	db   *DB
	poll time.Duration
}

// NewQueue returns a queue over db that polls for work every poll.
func NewQueue(db *DB, poll time.Duration) *Queue {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Queue{db: db, poll: poll}
}

// Enqueue stores a request and returns its delivery id.
func (q *Queue) Enqueue(ctx context.Context, req proto.RebaseRequest) (string, error) {
	id := uuid.NewString()
	payload, err := proto.EncodeEnvelope(id, req)
	if err != nil {
		return "", err
	}
	_, err = q.db.conn.ExecContext(ctx,
		`INSERT INTO rebase_queue (delivery_id, target, payload, status, created_at) VALUES (?, ?, ?, 'pending', ?)`,
		id, req.ToRebaseChangeSetID.String(), string(payload), cas.NowMs(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing rebase: %w", err)
	}
	return id, nil
}

// claim atomically moves the oldest pending item to processing.
func (q *Queue) claim(ctx context.Context) (*proto.Delivery, error) {
	q.db.mu.Lock()
	defer q.db.mu.Unlock()

	var d *proto.Delivery
	err := q.db.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		var payload string
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT seq, payload, attempts FROM rebase_queue WHERE status = 'pending' ORDER BY seq ASC LIMIT 1`,
		).Scan(&seq, &payload, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("querying queue: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE rebase_queue SET status = 'processing', started_at = ?, attempts = attempts + 1 WHERE seq = ?`,
			cas.NowMs(), seq,
		)
		if err != nil {
			return fmt.Errorf("updating queue item: %w", err)
		}

		env, err := proto.DecodeEnvelope([]byte(payload))
		if err != nil {
			// Poison message: park it so it is not redelivered forever.
			_, ferr := tx.ExecContext(ctx,
				`UPDATE rebase_queue SET status = 'failed', finished_at = ?, error = ? WHERE seq = ?`,
				cas.NowMs(), err.Error(), seq,
			)
			return ferr
		}
		d = &proto.Delivery{ID: env.ID, Request: env.Request, Attempts: attempts + 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Receive claims the next request, polling until one is available or wait
// elapses. It returns nil when nothing arrived in time.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*proto.Delivery, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		d, err := q.claim(ctx)
		if err != nil || d != nil {
			return d, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ack completes a delivery and stores its reply.
func (q *Queue) Ack(ctx context.Context, deliveryID string, reply proto.RebaseReply) error {
	payload, err := proto.EncodeReply(reply)
	if err != nil {
		return err
	}
	status := "done"
	var errMsg *string
	if !reply.OK() {
		status = "failed"
		errMsg = &reply.Message
	}

	return q.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rebase_queue SET status = ?, finished_at = ?, error = ? WHERE delivery_id = ? AND status = 'processing'`,
			status, cas.NowMs(), errMsg, deliveryID,
		)
		if err != nil {
			return fmt.Errorf("completing delivery: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", deliveryID, ErrDeliveryNotFound)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO replies (delivery_id, payload, created_at) VALUES (?, ?, ?)`,
			deliveryID, string(payload), cas.NowMs(),
		)
		if err != nil {
			return fmt.Errorf("storing reply: %w", err)
		}
		return nil
	})
}

// Nack returns a delivery to pending so it is retried.
func (q *Queue) Nack(ctx context.Context, deliveryID string, cause error) error {
	var errMsg *string
	if cause != nil {
		s := cause.Error()
		errMsg = &s
	}
	res, err := q.db.conn.ExecContext(ctx,
		`UPDATE rebase_queue SET status = 'pending', started_at = NULL, error = ? WHERE delivery_id = ? AND status = 'processing'`,
		errMsg, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("requeueing delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", deliveryID, ErrDeliveryNotFound)
	}
	return nil
}

// RecoverStale requeues deliveries stuck in processing for longer than
// olderThan, typically after a crash.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := cas.NowMs() - olderThan.Milliseconds()
	res, err := q.db.conn.ExecContext(ctx,
		`UPDATE rebase_queue SET status = 'pending', started_at = NULL WHERE status = 'processing' AND started_at <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recovering stale deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Reply returns the stored reply for a delivery. ok is false if the
// delivery has not completed yet.
func (q *Queue) Reply(ctx context.Context, deliveryID string) (reply proto.RebaseReply, ok bool, err error) {
	var payload string
	err = q.db.conn.QueryRowContext(ctx,
		`SELECT payload FROM replies WHERE delivery_id = ?`, deliveryID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.RebaseReply{}, false, nil
	}
	if err != nil {
		return proto.RebaseReply{}, false, fmt.Errorf("querying reply: %w", err)
	}
	reply, err = proto.DecodeReply([]byte(payload))
	if err != nil {
		return proto.RebaseReply{}, false, err
	}
	return reply, true, nil
}

// AwaitReply polls until the delivery's reply is stored or ctx ends.
func (q *Queue) AwaitReply(ctx context.Context, deliveryID string) (proto.RebaseReply, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		reply, ok, err := q.Reply(ctx, deliveryID)
		if err != nil || ok {
			return reply, err
		}
		select {
		case <-ctx.Done():
			return proto.RebaseReply{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Depth returns the number of items per status.
func (q *Queue) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM rebase_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying queue depth: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
