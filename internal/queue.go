package internal

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// _maxDeliveries caps redelivery; a message retried past this is dropped
	// with a log line rather than looping forever.
	_maxDeliveries = 5

	// _retryBackoff delays redelivery of retried messages.
	_retryBackoff = time.Minute

	_leaseWindow = 5 * time.Minute
)

// message is one leased queue entry. Exactly one of Ack or Retry must be
// called; an unacked message is redelivered when its lease expires.
type message struct {
	ID       int64
	Queue    string
	Body     []byte
	Attempts int

	ack   func(ctx context.Context) error
	retry func(ctx context.Context) error
}

func (m *message) Ack(ctx context.Context) error   { return m.ack(ctx) }
func (m *message) Retry(ctx context.Context) error { return m.retry(ctx) }

// queue is a named multi-queue with at-least-once delivery. pgQueue is the
// real implementation; memQueue backs tests.
type queue interface {
	Send(ctx context.Context, queueName string, body any) error
	// Receive leases up to limit messages from queueName. An empty result
	// means nothing is due.
	Receive(ctx context.Context, queueName string, limit int) ([]*message, error)
}

// pgQueue leases rows from the enrichment_queue table. A lease pushes
// available_at forward so concurrent consumers skip in-flight messages; Ack
// deletes the row, Retry re-publishes it with backoff.
type pgQueue struct {
	db *pgxpool.Pool
}

var _ queue = (*pgQueue)(nil)

func newPGQueue(db *pgxpool.Pool) *pgQueue { return &pgQueue{db: db} }

func (q *pgQueue) Send(ctx context.Context, queueName string, body any) error {
	encoded, err := sonic.Marshal(body)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO enrichment_queue (queue, body) VALUES ($1, $2)`,
		queueName, encoded)
	return err
}

func (q *pgQueue) Receive(ctx context.Context, queueName string, limit int) ([]*message, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE enrichment_queue SET
			attempts = attempts + 1,
			available_at = now() + $3
		WHERE id IN (
			SELECT id FROM enrichment_queue
			WHERE queue = $1 AND available_at <= now()
			ORDER BY available_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, body, attempts`,
		queueName, limit, _leaseWindow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*message
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.ID, &m.Queue, &m.Body, &m.Attempts); err != nil {
			return nil, err
		}
		id := m.ID
		m.ack = func(ctx context.Context) error {
			_, err := q.db.Exec(ctx, `DELETE FROM enrichment_queue WHERE id = $1`, id)
			return err
		}
		m.retry = func(ctx context.Context) error {
			return q.retryMessage(ctx, id)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (q *pgQueue) retryMessage(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE enrichment_queue SET available_at = now() + $2
		 WHERE id = $1 AND attempts < $3`,
		id, _retryBackoff, _maxDeliveries)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Delivery cap reached. Drop the message instead of looping.
		Log(ctx).Error("dropping message past delivery cap", "id", id)
		_, err = q.db.Exec(ctx, `DELETE FROM enrichment_queue WHERE id = $1`, id)
	}
	return err
}

// memQueue is the in-memory queue used by tests.
type memQueue struct {
	mu      sync.Mutex
	nextID  int64
	pending map[string][]*memMessage

	sendErr error // When set, Send fails with this.
}

type memMessage struct {
	id       int64
	body     []byte
	attempts int
	leased   bool
}

var _ queue = (*memQueue)(nil)

func newMemQueue() *memQueue {
	return &memQueue{pending: map[string][]*memMessage{}}
}

func (q *memQueue) Send(ctx context.Context, queueName string, body any) error {
	encoded, err := sonic.Marshal(body)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendErr != nil {
		return q.sendErr
	}
	q.nextID++
	q.pending[queueName] = append(q.pending[queueName], &memMessage{id: q.nextID, body: encoded})
	return nil
}

func (q *memQueue) Receive(ctx context.Context, queueName string, limit int) ([]*message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*message
	for _, mm := range q.pending[queueName] {
		if mm.leased || len(out) >= limit {
			continue
		}
		mm.leased = true
		mm.attempts++
		m := &message{ID: mm.id, Queue: queueName, Body: mm.body, Attempts: mm.attempts}
		m.ack = func(ctx context.Context) error {
			q.remove(queueName, m.ID)
			return nil
		}
		m.retry = func(ctx context.Context) error {
			q.release(queueName, m.ID)
			return nil
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *memQueue) remove(queueName string, id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.pending[queueName]
	for i, mm := range msgs {
		if mm.id == id {
			q.pending[queueName] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func (q *memQueue) release(queueName string, id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.pending[queueName]
	for i, mm := range msgs {
		if mm.id != id {
			continue
		}
		if mm.attempts >= _maxDeliveries {
			q.pending[queueName] = append(msgs[:i], msgs[i+1:]...)
			return
		}
		mm.leased = false
		return
	}
}

// depth reports the number of pending messages, for tests.
func (q *memQueue) depth(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[queueName])
}
