package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"brokerrelay/internal/config"
	"brokerrelay/internal/logger"
	"brokerrelay/pkg/metrics"
)

// Record is one row of the audit trail: a single accepted mutating
// control-plane call.
type Record struct {
	ID           string      `json:"id"`
	OccurredAt   time.Time   `json:"occurred_at"`
	QueueName    string      `json:"queue_name"`
	Action       string      `json:"action"`
	Actor        string      `json:"actor"`
	RequestBody  interface{} `json:"request_body,omitempty"`
	ResultStatus string      `json:"result_status"`
	Detail       string      `json:"detail,omitempty"`
}

// Trail is an async, buffered-channel-backed audit writer. Record enqueues
// and returns immediately; a single background worker drains the queue and
// inserts into Postgres. A full queue or a failed insert is logged and
// counted, never surfaced to the caller that triggered the control-plane
// action.
type Trail struct {
	db     *sql.DB
	logger logger.Logger

	entries chan Record
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewTrail(db *sql.DB, cfg config.AuditConfig, log logger.Logger) *Trail {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	t := &Trail{
		db:      db,
		logger:  log,
		entries: make(chan Record, queueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Record implements engine.Auditor: it enqueues the entry and returns
// immediately without touching the database on the caller's goroutine.
func (t *Trail) Record(ctx context.Context, queue, action, actor string, requestBody interface{}, resultStatus, detail string) {
	if actor == "" {
		actor = "system"
	}

	rec := Record{
		ID:           uuid.New().String(),
		OccurredAt:   time.Now().UTC(),
		QueueName:    queue,
		Action:       action,
		Actor:        actor,
		RequestBody:  requestBody,
		ResultStatus: resultStatus,
		Detail:       detail,
	}

	select {
	case t.entries <- rec:
	default:
		metrics.AuditWritesTotal.WithLabelValues("dropped").Inc()
		t.logger.WarnwCtx(ctx, "audit queue full, dropping record", "queue", queue, "action", action)
	}
}

func (t *Trail) writeLoop() {
	defer close(t.doneCh)
	for {
		select {
		case rec := <-t.entries:
			t.insert(rec)
		case <-t.stopCh:
			t.drainRemaining()
			return
		}
	}
}

func (t *Trail) drainRemaining() {
	for {
		select {
		case rec := <-t.entries:
			t.insert(rec)
		default:
			return
		}
	}
}

func (t *Trail) insert(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bodyJSON, err := json.Marshal(rec.RequestBody)
	if err != nil {
		bodyJSON = []byte("null")
	}

	const query = `
		INSERT INTO audit_records (id, occurred_at, queue_name, action, actor, request_body, result_status, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = t.db.ExecContext(ctx, query, rec.ID, rec.OccurredAt, rec.QueueName, rec.Action, rec.Actor, bodyJSON, rec.ResultStatus, rec.Detail)
	if err != nil {
		metrics.AuditWritesTotal.WithLabelValues("failure").Inc()
		t.logger.Warnw("failed to write audit record", "queue", rec.QueueName, "action", rec.Action, "error", err)
		return
	}
	metrics.AuditWritesTotal.WithLabelValues("success").Inc()
}

// Query returns the most recent audit records, optionally filtered by
// queue, newest first.
func (t *Trail) Query(ctx context.Context, queue string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if queue != "" {
		rows, err = t.db.QueryContext(ctx, `
			SELECT id, occurred_at, queue_name, action, actor, request_body, result_status, detail
			FROM audit_records WHERE queue_name = $1
			ORDER BY occurred_at DESC LIMIT $2
		`, queue, limit)
	} else {
		rows, err = t.db.QueryContext(ctx, `
			SELECT id, occurred_at, queue_name, action, actor, request_body, result_status, detail
			FROM audit_records ORDER BY occurred_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var bodyJSON []byte
		if err := rows.Scan(&rec.ID, &rec.OccurredAt, &rec.QueueName, &rec.Action, &rec.Actor, &bodyJSON, &rec.ResultStatus, &rec.Detail); err != nil {
			return nil, err
		}
		if len(bodyJSON) > 0 {
			_ = json.Unmarshal(bodyJSON, &rec.RequestBody)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Shutdown signals the writer goroutine to drain whatever is already queued
// and waits for it, bounded by ctx. Record does not check for shutdown: an
// entry enqueued after the drain stays in the buffer and is never written.
func (t *Trail) Shutdown(ctx context.Context) {
	close(t.stopCh)
	select {
	case <-t.doneCh:
	case <-ctx.Done():
		t.logger.Warn("audit trail shutdown timed out with entries possibly undrained")
	}
}
